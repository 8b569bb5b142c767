package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter"
	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

func TestPushGateway_DefaultBehavior(t *testing.T) {
	var gw adapter.PushGateway = NewPushGateway("mpesa")
	assert.Equal(t, "mpesa", gw.Name())

	init, err := gw.Initiate(context.Background(), decimal.NewFromInt(100), "0712345678", "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "0", init.ResponseCode)
	assert.NotEmpty(t, init.CheckoutID)

	status, err := gw.QueryStatus(context.Background(), init.CheckoutID)
	require.NoError(t, err)
	assert.Equal(t, "0", status.ResultCode)
	assert.Equal(t, init.CheckoutID, status.CheckoutID)
}

func TestPushGateway_CustomFuncs(t *testing.T) {
	gw := NewPushGateway("mpesa")
	gw.InitiateFunc = func(ctx context.Context, amount decimal.Decimal, phone, orderRef string) (adapter.PushInitiation, error) {
		return adapter.PushInitiation{}, payment.Unreachable("mpesa", "initiate", errors.New("boom"))
	}
	gw.QueryStatusFunc = func(ctx context.Context, checkoutID string, call int) (adapter.PushStatus, error) {
		if call < 2 {
			return adapter.PushStatus{ResultCode: "1037"}, nil
		}
		return adapter.PushStatus{ResultCode: "1032", ResultDescription: "Request cancelled by user"}, nil
	}

	_, err := gw.Initiate(context.Background(), decimal.NewFromInt(1), "0712345678", "ORD-1")
	assert.True(t, errors.Is(err, payment.ErrGatewayUnreachable))

	first, _ := gw.QueryStatus(context.Background(), "ws_CO_1")
	second, _ := gw.QueryStatus(context.Background(), "ws_CO_1")
	assert.Equal(t, "1037", first.ResultCode)
	assert.Equal(t, "1032", second.ResultCode)
	assert.Equal(t, 1, gw.InitiateCalls())
	assert.Equal(t, 2, gw.QueryCalls())
}

func TestCardGateway_DefaultBehavior(t *testing.T) {
	gw := NewCardGateway("stripe")
	gw.Now = func() time.Time { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) }
	var cg adapter.CardGateway = gw

	assert.NoError(t, cg.ValidateCard(payment.CardDetails{Number: "4111111111111111", Expiry: "10/26", CVC: "123"}))
	assert.True(t, errors.Is(cg.ValidateCard(payment.CardDetails{Number: "4111111111111112", Expiry: "10/26", CVC: "123"}), payment.ErrInvalidCardDetails))

	intent, err := cg.CreateIntent(context.Background(), decimal.RequireFromString("12.50"), "KES", "ORD-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1250, intent.AmountMinor)

	conf, err := cg.Confirm(context.Background(), intent, payment.CardDetails{})
	require.NoError(t, err)
	assert.Equal(t, adapter.CardSucceeded, conf.Status)
	assert.Equal(t, intent.ID, conf.IntentID)

	_, err = cg.Retrieve(context.Background(), intent.ID)
	require.NoError(t, err)

	create, confirm, retrieve := gw.Calls()
	assert.Equal(t, 1, create)
	assert.Equal(t, 1, confirm)
	assert.Equal(t, 1, retrieve)
}

func TestCardGateway_RetrieveCounter(t *testing.T) {
	gw := NewCardGateway("stripe")
	gw.RetrieveFunc = func(ctx context.Context, intentID string, call int) (adapter.CardConfirmation, error) {
		if call < 3 {
			return adapter.CardConfirmation{IntentID: intentID, Status: adapter.CardRequiresAction}, nil
		}
		return adapter.CardConfirmation{IntentID: intentID, Status: adapter.CardSucceeded}, nil
	}

	var last adapter.CardConfirmation
	for i := 0; i < 3; i++ {
		last, _ = gw.Retrieve(context.Background(), "pi_1")
	}
	assert.Equal(t, adapter.CardSucceeded, last.Status)
}

func TestPushGateway_Validate(t *testing.T) {
	gw := NewPushGateway("mpesa")
	assert.NoError(t, gw.Validate(decimal.NewFromInt(10), "0712345678"))
	assert.ErrorIs(t, gw.Validate(decimal.NewFromInt(10), "12345"), payment.ErrInvalidPhoneNumber)
	assert.ErrorIs(t, gw.Validate(decimal.Zero, "0712345678"), payment.ErrAmountOutOfRange)

	gw.ValidateFunc = func(decimal.Decimal, string) error { return nil }
	assert.NoError(t, gw.Validate(decimal.Zero, ""))
	assert.Equal(t, 0, gw.InitiateCalls())
}
