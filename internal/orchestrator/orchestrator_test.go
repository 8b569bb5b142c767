package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter"
	gwmock "github.com/lunaluxe/payment-orchestrator/internal/adapter/mock"
	"github.com/lunaluxe/payment-orchestrator/internal/ledger"
	"github.com/lunaluxe/payment-orchestrator/internal/metrics"
	"github.com/lunaluxe/payment-orchestrator/internal/notify"
	"github.com/lunaluxe/payment-orchestrator/internal/payment"
	"github.com/lunaluxe/payment-orchestrator/internal/poller"
)

const interval = 5 * time.Second

var t0 = time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)

type fixture struct {
	push    *gwmock.PushGateway
	card    *gwmock.CardGateway
	ledger  *ledger.MemoryLedger
	clock   *poller.ManualClock
	feed    *notify.Feed
	metrics *metrics.Metrics
	orc     *Orchestrator
}

func newFixture(t *testing.T, maxAttempts int, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		push:    gwmock.NewPushGateway("mpesa"),
		card:    gwmock.NewCardGateway("stripe"),
		ledger:  ledger.NewMemoryLedger(func() time.Time { return t0 }),
		clock:   poller.NewManualClock(t0),
		feed:    notify.NewFeed(0),
		metrics: metrics.NewUnregistered(),
	}
	f.card.Now = func() time.Time { return t0 }
	p := poller.New(poller.Config{Interval: interval, MaxAttempts: maxAttempts}, poller.WithClock(f.clock))
	opts = append([]Option{
		WithNotifier(f.feed),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return t0 }),
	}, opts...)
	f.orc = NewOrchestrator(f.push, f.card, f.ledger, p, opts...)
	return f
}

// tick lets n poll attempts run.
func (f *fixture) tick(n int) {
	for i := 0; i < n; i++ {
		f.clock.BlockUntil(1)
		f.clock.Advance(interval)
	}
}

func wait(t *testing.T, h *Handle) (payment.Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "orchestration did not finish")
	return out, err
}

func pushRequest(ref string) payment.Request {
	return payment.Request{OrderRef: ref, Amount: decimal.NewFromInt(1500), Currency: "KES", Phone: "0712345678"}
}

func cardRequest(ref string) payment.Request {
	return payment.Request{
		OrderRef: ref,
		Amount:   decimal.RequireFromString("49.99"),
		Currency: "USD",
		Card:     &payment.CardDetails{Number: "4242 4242 4242 4242", Expiry: "12/28", CVC: "123", HolderName: "Amina Otieno"},
	}
}

func pendingThen(code, desc string, after int) func(ctx context.Context, id string, call int) (adapter.PushStatus, error) {
	return func(ctx context.Context, id string, call int) (adapter.PushStatus, error) {
		if call <= after {
			return adapter.PushStatus{CheckoutID: id, ResultCode: "1037", ResultDescription: "DS timeout user cannot be reached"}, nil
		}
		return adapter.PushStatus{CheckoutID: id, ResultCode: code, ResultDescription: desc}, nil
	}
}

func terminalEvents(evs []notify.Event) []notify.Event {
	var out []notify.Event
	for _, e := range evs {
		if e.Terminal {
			out = append(out, e)
		}
	}
	return out
}

func TestNewOrchestrator_PanicsOnMissingCollaborators(t *testing.T) {
	push := gwmock.NewPushGateway("mpesa")
	card := gwmock.NewCardGateway("stripe")
	l := ledger.NewMemoryLedger(nil)
	p := poller.New(poller.Config{})

	assert.NotPanics(t, func() { NewOrchestrator(push, card, l, p) })
	assert.Panics(t, func() { NewOrchestrator(nil, card, l, p) })
	assert.Panics(t, func() { NewOrchestrator(push, nil, l, p) })
	assert.Panics(t, func() { NewOrchestrator(push, card, nil, p) })
	assert.Panics(t, func() { NewOrchestrator(push, card, l, nil) })
}

func TestPush_SucceedsAfterPolling(t *testing.T) {
	f := newFixture(t, 10)
	f.push.QueryStatusFunc = pendingThen("0", "The service request is processed successfully.", 2)

	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.CheckoutID())
	assert.True(t, f.orc.Active("ORD-1"))
	_, final, _ := h.Result()
	assert.False(t, final)

	f.tick(3)
	out, err := wait(t, h)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusSucceeded, out.Status)
	assert.Equal(t, h.CheckoutID(), out.ProviderReference)
	assert.Empty(t, out.FailureReason)
	assert.Equal(t, t0.Add(3*interval), out.CompletedAt)
	assert.Equal(t, 3, f.push.QueryCalls())
	assert.False(t, f.orc.Active("ORD-1"))

	order, err := f.ledger.Get(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, order.Status)
	assert.Equal(t, payment.MethodPush, order.Method)

	evs := f.feed.Events("ORD-1")
	require.Len(t, evs, 3)
	assert.Equal(t, notify.KindLoading, evs[0].Kind)
	assert.Equal(t, notify.KindInfo, evs[1].Kind)
	assert.Equal(t, notify.KindSuccess, evs[2].Kind)
	assert.Len(t, terminalEvents(evs), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrchestrationOutcomes.WithLabelValues("PUSH_PAYMENT", "SUCCEEDED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PollAttempts.WithLabelValues("PUSH_PAYMENT", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollAttempts.WithLabelValues("PUSH_PAYMENT", "succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.OrchestrationsActive))
}

func TestPush_DefinitiveFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.push.QueryStatusFunc = pendingThen("1032", "Request cancelled by user", 0)

	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-2"))
	require.NoError(t, err)
	f.tick(1)
	out, err := wait(t, h)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusFailed, out.Status)
	assert.Equal(t, "Request cancelled by user", out.FailureReason)

	order, _ := f.ledger.Get(context.Background(), "ORD-2")
	assert.Equal(t, ledger.StatusFailed, order.Status)
	require.NotNil(t, order.Outcome)
	assert.Equal(t, "Request cancelled by user", order.Outcome.FailureReason)

	term := terminalEvents(f.feed.Events("ORD-2"))
	require.Len(t, term, 1)
	assert.Equal(t, notify.KindError, term[0].Kind)
}

func TestPush_TimesOutWithoutWritingLedger(t *testing.T) {
	f := newFixture(t, 3)
	f.push.QueryStatusFunc = pendingThen("0", "", 1000)

	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-3"))
	require.NoError(t, err)
	f.tick(3)
	out, err := wait(t, h)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusTimedOut, out.Status)
	assert.Contains(t, out.FailureReason, "3 status checks")
	assert.Equal(t, 3, f.push.QueryCalls())

	order, _ := f.ledger.Get(context.Background(), "ORD-3")
	assert.Equal(t, ledger.StatusPending, order.Status)
	assert.Nil(t, order.Outcome)
	assert.Empty(t, order.History)

	assert.Len(t, terminalEvents(f.feed.Events("ORD-3")), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrchestrationOutcomes.WithLabelValues("PUSH_PAYMENT", "TIMED_OUT")))
}

func TestPush_UnrecognisedCodesAndQueryErrorsKeepPolling(t *testing.T) {
	f := newFixture(t, 4)
	f.push.QueryStatusFunc = func(ctx context.Context, id string, call int) (adapter.PushStatus, error) {
		switch call {
		case 1:
			return adapter.PushStatus{}, payment.Unreachable("mpesa", "query", errors.New("connection reset"))
		case 2:
			return adapter.PushStatus{}, payment.Rejected("mpesa", "query", "500.001.1001", "The transaction is being processed")
		case 3:
			return adapter.PushStatus{CheckoutID: id, ResultCode: "4999"}, nil
		}
		return adapter.PushStatus{CheckoutID: id, ResultCode: "0"}, nil
	}

	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-4"))
	require.NoError(t, err)
	f.tick(4)
	out, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, out.Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PollAttempts.WithLabelValues("PUSH_PAYMENT", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GatewayErrors.WithLabelValues("mpesa", "unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GatewayErrors.WithLabelValues("mpesa", "rejected")))
}

func TestPush_DuplicateOrchestrationIsRejected(t *testing.T) {
	f := newFixture(t, 10)
	f.push.QueryStatusFunc = pendingThen("0", "", 0)

	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-5"))
	require.NoError(t, err)

	_, err = f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-5"))
	assert.ErrorIs(t, err, payment.ErrOrchestrationInProgress)
	_, err = f.orc.InitiateCardPayment(context.Background(), cardRequest("ORD-5"))
	assert.ErrorIs(t, err, payment.ErrOrchestrationInProgress)
	assert.Equal(t, 1, f.push.InitiateCalls())

	f.tick(1)
	_, err = wait(t, h)
	require.NoError(t, err)

	_, err = f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-5"))
	assert.ErrorIs(t, err, payment.ErrOrderAlreadyPaid)
	assert.Equal(t, 1, f.push.InitiateCalls())
}

func TestPush_AbandonDoesNotWriteLedger(t *testing.T) {
	f := newFixture(t, 10)
	f.push.QueryStatusFunc = pendingThen("0", "", 1000)

	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-6"))
	require.NoError(t, err)
	f.tick(2)
	f.clock.BlockUntil(1)

	assert.True(t, f.orc.Abandon("ORD-6"))
	out, err := wait(t, h)
	assert.ErrorIs(t, err, payment.ErrAbandoned)
	assert.ErrorIs(t, err, payment.ErrTimedOut)
	assert.Equal(t, payment.StatusTimedOut, out.Status)
	assert.Equal(t, 2, f.push.QueryCalls())

	f.clock.Advance(time.Minute)
	assert.Equal(t, 2, f.push.QueryCalls())

	order, _ := f.ledger.Get(context.Background(), "ORD-6")
	assert.Equal(t, ledger.StatusPending, order.Status)
	term := terminalEvents(f.feed.Events("ORD-6"))
	require.Len(t, term, 1)
	assert.Equal(t, notify.KindInfo, term[0].Kind)

	assert.False(t, f.orc.Abandon("ORD-6"))

	f.push.QueryStatusFunc = pendingThen("0", "", 0)
	h2, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-6"))
	require.NoError(t, err, "a new orchestration may start once the old one is gone")
	f.tick(1)
	out, err = wait(t, h2)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, out.Status)
}

func TestPush_LocalValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *payment.Request)
		want   error
	}{
		{"BadPhone", func(r *payment.Request) { r.Phone = "12345" }, payment.ErrInvalidPhoneNumber},
		{"ZeroAmount", func(r *payment.Request) { r.Amount = decimal.Zero }, payment.ErrInvalidRequest},
		{"MissingRef", func(r *payment.Request) { r.OrderRef = "" }, payment.ErrInvalidRequest},
		{"WrongMethod", func(r *payment.Request) { r.Method = payment.MethodCard }, payment.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			req := pushRequest("ORD-7")
			tt.mutate(&req)

			h, err := f.orc.InitiatePushPayment(context.Background(), req)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, payment.ErrValidation)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, f.push.InitiateCalls())

			orders, _ := f.ledger.List(context.Background())
			assert.Empty(t, orders)
			assert.Empty(t, f.feed.Events(req.OrderRef))
		})
	}
}

func TestPush_InitiationErrors(t *testing.T) {
	t.Run("UnreachableLeavesOrderPending", func(t *testing.T) {
		f := newFixture(t, 10)
		f.push.InitiateFunc = func(context.Context, decimal.Decimal, string, string) (adapter.PushInitiation, error) {
			return adapter.PushInitiation{}, payment.Unreachable("mpesa", "initiate", errors.New("dial tcp: i/o timeout"))
		}

		_, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-8"))
		assert.ErrorIs(t, err, payment.ErrGatewayUnreachable)
		assert.False(t, f.orc.Active("ORD-8"))

		order, _ := f.ledger.Get(context.Background(), "ORD-8")
		assert.Equal(t, ledger.StatusPending, order.Status)
		term := terminalEvents(f.feed.Events("ORD-8"))
		require.Len(t, term, 1)
		assert.Equal(t, notify.KindError, term[0].Kind)
		assert.Equal(t, 0, f.push.QueryCalls())
	})

	t.Run("RejectedMarksOrderFailed", func(t *testing.T) {
		f := newFixture(t, 10)
		f.push.InitiateFunc = func(context.Context, decimal.Decimal, string, string) (adapter.PushInitiation, error) {
			return adapter.PushInitiation{}, payment.Rejected("mpesa", "initiate", "400.002.02", "Bad Request - Invalid PhoneNumber")
		}

		_, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-9"))
		assert.ErrorIs(t, err, payment.ErrGatewayRejected)

		order, _ := f.ledger.Get(context.Background(), "ORD-9")
		assert.Equal(t, ledger.StatusFailed, order.Status)
		assert.Equal(t, "Bad Request - Invalid PhoneNumber", order.Outcome.FailureReason)
		assert.Len(t, terminalEvents(f.feed.Events("ORD-9")), 1)
	})
}

func TestPush_ExistingOrderMustBeChargedItsTotal(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.ledger.RecordAttempt(context.Background(), ledger.Order{
		ID:       "ORD-10",
		Currency: "KES",
		Items:    []ledger.LineItem{{Name: "Lamp", UnitPrice: decimal.NewFromInt(2000), Quantity: 3}},
		Rules:    ledger.DefaultPricingRules(),
	})
	require.NoError(t, err)

	req := pushRequest("ORD-10")
	_, err = f.orc.InitiatePushPayment(context.Background(), req)
	assert.ErrorIs(t, err, payment.ErrInvalidRequest)
	assert.Equal(t, 0, f.push.InitiateCalls())

	req.Amount = decimal.NewFromInt(6960)
	f.push.QueryStatusFunc = pendingThen("0", "", 0)
	h, err := f.orc.InitiatePushPayment(context.Background(), req)
	require.NoError(t, err)
	f.tick(1)
	out, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, out.Status)
}

func TestPush_ConcurrentOrdersAreIndependent(t *testing.T) {
	f := newFixture(t, 5)
	results := map[string]string{}
	f.push.InitiateFunc = func(ctx context.Context, amount decimal.Decimal, phone, ref string) (adapter.PushInitiation, error) {
		return adapter.PushInitiation{CheckoutID: "ws_CO_" + ref, ResponseCode: "0"}, nil
	}
	results["ws_CO_ORD-A"] = "0"
	results["ws_CO_ORD-B"] = "1032"
	f.push.QueryStatusFunc = func(ctx context.Context, id string, call int) (adapter.PushStatus, error) {
		return adapter.PushStatus{CheckoutID: id, ResultCode: results[id], ResultDescription: "done"}, nil
	}

	a, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-A"))
	require.NoError(t, err)
	b, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-B"))
	require.NoError(t, err)

	f.clock.BlockUntil(2)
	f.clock.Advance(interval)

	outA, err := wait(t, a)
	require.NoError(t, err)
	outB, err := wait(t, b)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, outA.Status)
	assert.Equal(t, "ws_CO_ORD-A", outA.ProviderReference)
	assert.Equal(t, payment.StatusFailed, outB.Status)
	assert.Equal(t, "ws_CO_ORD-B", outB.ProviderReference)
}

func TestCard_SynchronousSuccess(t *testing.T) {
	f := newFixture(t, 10)

	h, err := f.orc.InitiateCardPayment(context.Background(), cardRequest("ORD-C1"))
	require.NoError(t, err)

	out, final, err := h.Result()
	require.True(t, final, "synchronous confirmation completes before return")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, out.Status)
	assert.Equal(t, h.CheckoutID(), out.ProviderReference)
	assert.Empty(t, h.RedirectURL())
	assert.False(t, f.orc.Active("ORD-C1"))

	order, _ := f.ledger.Get(context.Background(), "ORD-C1")
	assert.Equal(t, ledger.StatusPaid, order.Status)
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, payment.MethodCard, order.Method)
	assert.Equal(t, 0, f.clock.Pending(), "no poll cycle for a synchronous answer")
}

func TestCard_InvalidCardSendsNothing(t *testing.T) {
	f := newFixture(t, 10)
	req := cardRequest("ORD-C2")
	req.Card.Number = "4111111111111112"
	req.Card.Expiry = "13/28"

	_, err := f.orc.InitiateCardPayment(context.Background(), req)
	assert.ErrorIs(t, err, payment.ErrInvalidCardDetails)
	var ve *payment.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"number", "expiry"}, ve.Fields)

	create, confirm, _ := f.card.Calls()
	assert.Zero(t, create)
	assert.Zero(t, confirm)
	_, err = f.ledger.Get(context.Background(), "ORD-C2")
	assert.ErrorIs(t, err, payment.ErrOrderNotFound)
}

func TestCard_DeclinedAtConfirmation(t *testing.T) {
	f := newFixture(t, 10)
	f.card.ConfirmFunc = func(ctx context.Context, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error) {
		return adapter.CardConfirmation{IntentID: intent.ID, Status: adapter.CardFailed, FailureCode: "card_declined", FailureMessage: "Your card was declined."}, nil
	}

	h, err := f.orc.InitiateCardPayment(context.Background(), cardRequest("ORD-C3"))
	require.NoError(t, err)
	out, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, out.Status)
	assert.Equal(t, "Your card was declined.", out.FailureReason)

	order, _ := f.ledger.Get(context.Background(), "ORD-C3")
	assert.Equal(t, ledger.StatusFailed, order.Status)
}

func TestCard_RejectedConfirmCallKeepsIntentReference(t *testing.T) {
	f := newFixture(t, 10)
	f.card.ConfirmFunc = func(ctx context.Context, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error) {
		return adapter.CardConfirmation{}, payment.Rejected("stripe", "confirm", "insufficient_funds", "Your card has insufficient funds.")
	}

	_, err := f.orc.InitiateCardPayment(context.Background(), cardRequest("ORD-C4"))
	assert.ErrorIs(t, err, payment.ErrGatewayRejected)

	order, _ := f.ledger.Get(context.Background(), "ORD-C4")
	require.NotNil(t, order.Outcome)
	assert.Equal(t, ledger.StatusFailed, order.Status)
	assert.Contains(t, order.Outcome.ProviderReference, "pi_")
	assert.Equal(t, "Your card has insufficient funds.", order.Outcome.FailureReason)
}

func TestCard_StepUpAuthenticationIsPolled(t *testing.T) {
	f := newFixture(t, 10)
	f.card.ConfirmFunc = func(ctx context.Context, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error) {
		return adapter.CardConfirmation{IntentID: intent.ID, Status: adapter.CardRequiresAction, RedirectURL: "https://hooks.stripe.com/3d_secure/redirect"}, nil
	}
	f.card.RetrieveFunc = func(ctx context.Context, id string, call int) (adapter.CardConfirmation, error) {
		if call < 2 {
			return adapter.CardConfirmation{IntentID: id, Status: adapter.CardRequiresAction}, nil
		}
		return adapter.CardConfirmation{IntentID: id, Status: adapter.CardSucceeded}, nil
	}

	h, err := f.orc.InitiateCardPayment(context.Background(), cardRequest("ORD-C5"))
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.stripe.com/3d_secure/redirect", h.RedirectURL())
	assert.True(t, f.orc.Active("ORD-C5"))

	f.tick(2)
	out, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, out.Status)
	assert.Equal(t, h.CheckoutID(), out.ProviderReference)

	_, _, retrieves := f.card.Calls()
	assert.Equal(t, 2, retrieves)

	evs := f.feed.Events("ORD-C5")
	require.Len(t, evs, 3)
	assert.Equal(t, "https://hooks.stripe.com/3d_secure/redirect", evs[1].Context["redirectUrl"])
}

func TestCard_RetryAfterLostConfirmationIsNotConfirmedAgain(t *testing.T) {
	f := newFixture(t, 10)
	f.card.ConfirmFunc = func(ctx context.Context, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error) {
		return adapter.CardConfirmation{}, payment.Unreachable("stripe", "confirm", errors.New("connection reset by peer"))
	}
	_, err := f.orc.InitiateCardPayment(context.Background(), cardRequest("ORD-C6"))
	require.ErrorIs(t, err, payment.ErrGatewayUnreachable)
	order, _ := f.ledger.Get(context.Background(), "ORD-C6")
	assert.Equal(t, ledger.StatusPending, order.Status)

	// The charge went through; the provider now hands back the confirmed intent.
	f.card.CreateIntentFunc = func(ctx context.Context, amount decimal.Decimal, currency, orderRef string) (adapter.CardIntent, error) {
		return adapter.CardIntent{ID: "pi_lost", Status: adapter.CardSucceeded, Currency: "usd"}, nil
	}
	f.card.ConfirmFunc = func(ctx context.Context, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error) {
		return adapter.CardConfirmation{}, payment.Rejected("stripe", "confirm", "payment_intent_unexpected_state", "This PaymentIntent's status is succeeded, you cannot confirm it.")
	}

	h, err := f.orc.InitiateCardPayment(context.Background(), cardRequest("ORD-C6"))
	require.NoError(t, err)
	out, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, out.Status)
	assert.Equal(t, "pi_lost", out.ProviderReference)

	_, confirms, _ := f.card.Calls()
	assert.Equal(t, 1, confirms, "only the first attempt confirmed")
	order, _ = f.ledger.Get(context.Background(), "ORD-C6")
	assert.Equal(t, ledger.StatusPaid, order.Status)
}

func TestCard_InFlightIntentIsPolledWithoutConfirming(t *testing.T) {
	tests := []struct {
		name     string
		status   adapter.CardStatus
		redirect string
	}{
		{"Processing", adapter.CardProcessing, ""},
		{"AwaitingAuthentication", adapter.CardRequiresAction, "https://hooks.stripe.com/3ds/pi_open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			f.card.CreateIntentFunc = func(ctx context.Context, amount decimal.Decimal, currency, orderRef string) (adapter.CardIntent, error) {
				return adapter.CardIntent{ID: "pi_open", Status: tt.status, RedirectURL: tt.redirect}, nil
			}

			h, err := f.orc.InitiateCardPayment(context.Background(), cardRequest("ORD-C7"))
			require.NoError(t, err)
			assert.Equal(t, tt.redirect, h.RedirectURL())

			f.tick(1)
			out, err := wait(t, h)
			require.NoError(t, err)
			assert.Equal(t, payment.StatusSucceeded, out.Status)

			_, confirms, retrieves := f.card.Calls()
			assert.Zero(t, confirms)
			assert.Equal(t, 1, retrieves)
		})
	}
}

func TestOrchestrator_ReserveExcludesPayments(t *testing.T) {
	f := newFixture(t, 10)

	release, err := f.orc.Reserve("ORD-R1")
	require.NoError(t, err)
	_, err = f.orc.Reserve("ORD-R1")
	assert.ErrorIs(t, err, payment.ErrOrchestrationInProgress)
	_, err = f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-R1"))
	assert.ErrorIs(t, err, payment.ErrOrchestrationInProgress)
	assert.Zero(t, f.push.InitiateCalls())

	release()
	release()
	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-R1"))
	require.NoError(t, err)
	_, err = f.orc.Reserve("ORD-R1")
	assert.ErrorIs(t, err, payment.ErrOrchestrationInProgress, "an order being paid cannot be rewritten")

	f.tick(1)
	_, err = wait(t, h)
	require.NoError(t, err)
	release, err = f.orc.Reserve("ORD-R1")
	require.NoError(t, err)
	release()
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Notify(ctx context.Context, e notify.Event) {
	m.Called(ctx, e)
}

func TestOrchestrator_ExactlyOneTerminalNotification(t *testing.T) {
	sink := new(mockSink)
	sink.On("Notify", mock.Anything, mock.MatchedBy(func(e notify.Event) bool { return !e.Terminal }))
	sink.On("Notify", mock.Anything, mock.MatchedBy(func(e notify.Event) bool {
		return e.Terminal && e.Kind == notify.KindError && e.OrderRef == "ORD-N"
	})).Once()

	f := newFixture(t, 2, WithNotifier(sink))
	f.push.QueryStatusFunc = pendingThen("0", "", 1000)

	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-N"))
	require.NoError(t, err)
	f.tick(2)
	_, err = wait(t, h)
	require.NoError(t, err)

	sink.AssertExpectations(t)
	sink.AssertNumberOfCalls(t, "Notify", 3)
}

func TestOrchestrator_LedgerConflictSurfacesOnHandle(t *testing.T) {
	f := newFixture(t, 10)
	f.push.QueryStatusFunc = func(ctx context.Context, id string, call int) (adapter.PushStatus, error) {
		// Another writer pays the order while the prompt is pending.
		_, err := f.ledger.ApplyOutcome(ctx, "ORD-L", payment.Succeeded("other", t0))
		assert.NoError(t, err)
		return adapter.PushStatus{CheckoutID: id, ResultCode: "0"}, nil
	}

	h, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-L"))
	require.NoError(t, err)
	f.tick(1)
	out, err := wait(t, h)
	assert.ErrorIs(t, err, payment.ErrOrderAlreadyPaid)
	assert.Equal(t, payment.StatusSucceeded, out.Status)

	order, _ := f.ledger.Get(context.Background(), "ORD-L")
	assert.Equal(t, "other", order.Outcome.ProviderReference)
	assert.Len(t, order.History, 1)
}

func TestOrchestrator_DrainAbandonsEverything(t *testing.T) {
	f := newFixture(t, 10)
	f.push.QueryStatusFunc = pendingThen("0", "", 1000)

	a, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-D1"))
	require.NoError(t, err)
	b, err := f.orc.InitiatePushPayment(context.Background(), pushRequest("ORD-D2"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.orc.Drain(ctx))

	for _, h := range []*Handle{a, b} {
		_, final, err := h.Result()
		assert.True(t, final)
		assert.ErrorIs(t, err, payment.ErrAbandoned)
		assert.False(t, f.orc.Active(h.OrderRef()))
	}
	assert.Zero(t, f.push.QueryCalls())
}
