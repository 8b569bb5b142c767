package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// Handle tracks one orchestration. It becomes done exactly once, when the
// orchestration reaches a terminal state.
type Handle struct {
	orderRef string
	method   payment.Method
	provider string
	started  time.Time
	// ctx carries the caller's values (trace) but not its cancellation.
	ctx context.Context

	mu          sync.Mutex
	checkoutID  string
	redirectURL string
	outcome     payment.Outcome
	err         error

	done      chan struct{}
	abandon   chan struct{}
	abandonMu sync.Once
}

func newHandle(ctx context.Context, req payment.Request, provider string, now time.Time) *Handle {
	return &Handle{
		orderRef: req.OrderRef,
		method:   req.Method,
		provider: provider,
		started:  now,
		ctx:      context.WithoutCancel(ctx),
		done:     make(chan struct{}),
		abandon:  make(chan struct{}),
	}
}

func (h *Handle) OrderRef() string { return h.orderRef }

func (h *Handle) Method() payment.Method { return h.method }

// CheckoutID is the provider reference of the initiation: the push checkout
// request ID or the card payment intent ID.
func (h *Handle) CheckoutID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkoutID
}

// RedirectURL is set when a card payment waits for step-up authentication.
func (h *Handle) RedirectURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.redirectURL
}

// Done is closed once the outcome is known.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome and reports whether it is final. The error is
// payment.ErrAbandoned for abandoned orchestrations, or the ledger error when
// the outcome could not be recorded.
func (h *Handle) Result() (payment.Outcome, bool, error) {
	select {
	case <-h.done:
	default:
		return payment.Outcome{}, false, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, true, h.err
}

// Wait blocks until the outcome is known or ctx is done.
func (h *Handle) Wait(ctx context.Context) (payment.Outcome, error) {
	select {
	case <-h.done:
		out, _, err := h.Result()
		return out, err
	case <-ctx.Done():
		return payment.Outcome{}, ctx.Err()
	}
}

func (h *Handle) setProvider(checkoutID, redirectURL string) {
	h.mu.Lock()
	h.checkoutID = checkoutID
	h.redirectURL = redirectURL
	h.mu.Unlock()
}

func (h *Handle) requestAbandon() {
	h.abandonMu.Do(func() { close(h.abandon) })
}

func (h *Handle) complete(out payment.Outcome, err error) {
	h.mu.Lock()
	h.outcome = out
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
