// Package mock provides in-process gateways for tests and for running the
// server without provider credentials.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter"
	"github.com/lunaluxe/payment-orchestrator/internal/adapter/mpesa"
	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// PushGateway is a mock adapter.PushGateway. Unset Func fields fall back to
// an accepting prompt whose status query reports success.
type PushGateway struct {
	NameValue       string
	ValidateFunc    func(amount decimal.Decimal, phone string) error
	InitiateFunc    func(ctx context.Context, amount decimal.Decimal, phone, orderRef string) (adapter.PushInitiation, error)
	QueryStatusFunc func(ctx context.Context, checkoutID string, call int) (adapter.PushStatus, error)

	mu            sync.Mutex
	initiateCalls int
	queryCalls    int
}

// NewPushGateway creates a PushGateway named name.
func NewPushGateway(name string) *PushGateway {
	return &PushGateway{NameValue: name}
}

func (m *PushGateway) Name() string { return m.NameValue }

// Validate defaults to the M-Pesa phone rules and a positive amount.
func (m *PushGateway) Validate(amount decimal.Decimal, phone string) error {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(amount, phone)
	}
	if _, err := mpesa.NormalizePhone(phone); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return payment.NewValidationError(payment.ErrAmountOutOfRange, "amount")
	}
	return nil
}

func (m *PushGateway) Initiate(ctx context.Context, amount decimal.Decimal, phone, orderRef string) (adapter.PushInitiation, error) {
	m.mu.Lock()
	m.initiateCalls++
	m.mu.Unlock()

	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, amount, phone, orderRef)
	}
	return adapter.PushInitiation{
		CheckoutID:          "ws_CO_" + uuid.NewString(),
		MerchantRequestID:   uuid.NewString(),
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

// QueryStatus passes a 1-based call counter to QueryStatusFunc.
func (m *PushGateway) QueryStatus(ctx context.Context, checkoutID string) (adapter.PushStatus, error) {
	m.mu.Lock()
	m.queryCalls++
	call := m.queryCalls
	m.mu.Unlock()

	if m.QueryStatusFunc != nil {
		return m.QueryStatusFunc(ctx, checkoutID, call)
	}
	return adapter.PushStatus{
		CheckoutID:        checkoutID,
		ResultCode:        "0",
		ResultDescription: "The service request is processed successfully.",
	}, nil
}

// InitiateCalls returns how many times Initiate ran.
func (m *PushGateway) InitiateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiateCalls
}

// QueryCalls returns how many times QueryStatus ran.
func (m *PushGateway) QueryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryCalls
}

// CardGateway is a mock adapter.CardGateway. By default cards are checked
// with the real local validation and every confirmation succeeds.
type CardGateway struct {
	NameValue        string
	Now              func() time.Time
	ValidateCardFunc func(card payment.CardDetails) error
	CreateIntentFunc func(ctx context.Context, amount decimal.Decimal, currency, orderRef string) (adapter.CardIntent, error)
	ConfirmFunc      func(ctx context.Context, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error)
	RetrieveFunc     func(ctx context.Context, intentID string, call int) (adapter.CardConfirmation, error)

	mu            sync.Mutex
	createCalls   int
	confirmCalls  int
	retrieveCalls int
}

// NewCardGateway creates a CardGateway named name.
func NewCardGateway(name string) *CardGateway {
	return &CardGateway{NameValue: name}
}

func (m *CardGateway) Name() string { return m.NameValue }

func (m *CardGateway) ValidateCard(card payment.CardDetails) error {
	if m.ValidateCardFunc != nil {
		return m.ValidateCardFunc(card)
	}
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	return payment.ValidateCard(card, now)
}

func (m *CardGateway) CreateIntent(ctx context.Context, amount decimal.Decimal, currency, orderRef string) (adapter.CardIntent, error) {
	m.mu.Lock()
	m.createCalls++
	m.mu.Unlock()

	if m.CreateIntentFunc != nil {
		return m.CreateIntentFunc(ctx, amount, currency, orderRef)
	}
	id := "pi_" + uuid.NewString()
	return adapter.CardIntent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       adapter.CardRequiresPaymentMethod,
		AmountMinor:  amount.Shift(2).IntPart(),
		Currency:     currency,
	}, nil
}

func (m *CardGateway) Confirm(ctx context.Context, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error) {
	m.mu.Lock()
	m.confirmCalls++
	m.mu.Unlock()

	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, intent, card)
	}
	return adapter.CardConfirmation{IntentID: intent.ID, Status: adapter.CardSucceeded}, nil
}

// Retrieve passes a 1-based call counter to RetrieveFunc.
func (m *CardGateway) Retrieve(ctx context.Context, intentID string) (adapter.CardConfirmation, error) {
	m.mu.Lock()
	m.retrieveCalls++
	call := m.retrieveCalls
	m.mu.Unlock()

	if m.RetrieveFunc != nil {
		return m.RetrieveFunc(ctx, intentID, call)
	}
	return adapter.CardConfirmation{IntentID: intentID, Status: adapter.CardSucceeded}, nil
}

// Calls returns the CreateIntent, Confirm and Retrieve call counts.
func (m *CardGateway) Calls() (create, confirm, retrieve int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.confirmCalls, m.retrieveCalls
}
