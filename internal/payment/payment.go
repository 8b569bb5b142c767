// Package payment holds the method-independent payment vocabulary shared by
// the gateway adapters, the confirmation poller and the order ledger:
// requests, outcomes and the error taxonomy every layer translates into.
package payment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Method selects the gateway adapter used for an orchestration.
type Method string

const (
	MethodPush Method = "PUSH_PAYMENT"
	MethodCard Method = "CARD_PAYMENT"
)

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	return m == MethodPush || m == MethodCard
}

// Status is the terminal status of an orchestration attempt.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// CardDetails are the card fields entered at checkout. Expiry is "MM/YY".
type CardDetails struct {
	Number     string `json:"number"`
	Expiry     string `json:"expiry"`
	CVC        string `json:"cvc"`
	HolderName string `json:"name,omitempty"`
}

// Last4 returns the last four digits of the card number, for logs and
// receipts.
func (c CardDetails) Last4() string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, c.Number)
	if len(digits) <= 4 {
		return digits
	}
	return digits[len(digits)-4:]
}

// Request is an immutable request to take a payment for one order.
// Phone is set for push payments, Card for card payments.
type Request struct {
	OrderRef string
	Amount   decimal.Decimal
	Currency string
	Method   Method
	Phone    string
	Card     *CardDetails
}

// Validate checks the method-independent invariants. Method specific checks
// (phone format, card checksum, provider limits) belong to the adapters.
func (r Request) Validate() error {
	var fields []string
	if strings.TrimSpace(r.OrderRef) == "" {
		fields = append(fields, "orderRef")
	}
	if !r.Amount.IsPositive() {
		fields = append(fields, "amount")
	}
	if !r.Method.Valid() {
		fields = append(fields, "method")
	}
	switch r.Method {
	case MethodPush:
		if strings.TrimSpace(r.Phone) == "" {
			fields = append(fields, "phone")
		}
	case MethodCard:
		if r.Card == nil {
			fields = append(fields, "card")
		}
		if strings.TrimSpace(r.Currency) == "" {
			fields = append(fields, "currency")
		}
	}
	if len(fields) > 0 {
		return NewValidationError(ErrInvalidRequest, fields...)
	}
	return nil
}

// Outcome is the result of one orchestration. FailureReason is set iff
// Status is not SUCCEEDED.
type Outcome struct {
	Status            Status    `json:"status"`
	ProviderReference string    `json:"providerReference,omitempty"`
	FailureReason     string    `json:"failureReason,omitempty"`
	CompletedAt       time.Time `json:"completedAt"`
}

// Succeeded builds a SUCCEEDED outcome.
func Succeeded(providerRef string, at time.Time) Outcome {
	return Outcome{Status: StatusSucceeded, ProviderReference: providerRef, CompletedAt: at}
}

// Failed builds a FAILED outcome. An empty reason is replaced so the
// FailureReason invariant holds.
func Failed(providerRef, reason string, at time.Time) Outcome {
	if reason == "" {
		reason = "payment failed"
	}
	return Outcome{Status: StatusFailed, ProviderReference: providerRef, FailureReason: reason, CompletedAt: at}
}

// TimedOut builds a TIMED_OUT outcome.
func TimedOut(providerRef, reason string, at time.Time) Outcome {
	if reason == "" {
		reason = "payment confirmation timed out"
	}
	return Outcome{Status: StatusTimedOut, ProviderReference: providerRef, FailureReason: reason, CompletedAt: at}
}
