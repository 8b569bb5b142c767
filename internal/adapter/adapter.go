// Package adapter defines the contracts for payment gateway adapters and
// the wire-independent shapes they return.
// Adapters handle all provider-specific API calls (serialization, retry,
// idempotency and error mapping) and translate every provider failure into
// a *payment.GatewayError. Implementations live in the sub-packages.
package adapter

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// ErrCircuitOpen is wrapped into an unreachable GatewayError when a breaker
// refuses a call before it reaches the network.
var ErrCircuitOpen = errors.New("circuit open")

// PushInitiation is the provider acknowledgement of a push prompt. It does
// not mean the customer has paid.
type PushInitiation struct {
	CheckoutID          string
	MerchantRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

// PushStatus is one answer to a push status query.
type PushStatus struct {
	CheckoutID        string
	ResultCode        string
	ResultDescription string
}

// CardIntent is a handle on a provider-side payment intent. Status is not
// always requires_payment_method: creating an intent again for the same
// order and amount returns the existing one as it stands.
type CardIntent struct {
	ID           string
	ClientSecret string
	Status       CardStatus
	RedirectURL  string
	AmountMinor  int64
	Currency     string
}

// CardStatus is the normalized state of a card payment intent.
type CardStatus string

const (
	CardRequiresPaymentMethod CardStatus = "requires_payment_method"
	CardRequiresConfirmation  CardStatus = "requires_confirmation"
	CardSucceeded             CardStatus = "succeeded"
	CardRequiresAction        CardStatus = "requires_action"
	CardProcessing            CardStatus = "processing"
	CardFailed                CardStatus = "failed"
)

// CardConfirmation is the result of confirming or re-reading an intent.
// RedirectURL is set when the issuer requires step-up authentication.
type CardConfirmation struct {
	IntentID       string
	Status         CardStatus
	RedirectURL    string
	FailureCode    string
	FailureMessage string
}

// PushGateway initiates mobile-money push payments and answers status
// queries for them.
type PushGateway interface {
	// Name returns the provider name (e.g., "mpesa").
	Name() string
	// Validate runs the local phone and amount checks without a network call.
	Validate(amount decimal.Decimal, phone string) error
	// Initiate validates phone and amount locally, then asks the provider to
	// prompt the customer.
	Initiate(ctx context.Context, amount decimal.Decimal, phone, orderRef string) (PushInitiation, error)
	// QueryStatus reads the current state of a prompt.
	QueryStatus(ctx context.Context, checkoutID string) (PushStatus, error)
}

// CardGateway runs the intent based card flow.
type CardGateway interface {
	Name() string
	// ValidateCard runs the local checks that precede any network call.
	ValidateCard(card payment.CardDetails) error
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency, orderRef string) (CardIntent, error)
	Confirm(ctx context.Context, intent CardIntent, card payment.CardDetails) (CardConfirmation, error)
	// Retrieve re-reads an intent, used after step-up authentication.
	Retrieve(ctx context.Context, intentID string) (CardConfirmation, error)
}

// Breaker guards calls to a provider. circuitbreaker.CircuitBreaker
// satisfies it.
type Breaker interface {
	AllowRequest(provider string) bool
	RecordSuccess(provider string)
	RecordFailure(provider string)
}
