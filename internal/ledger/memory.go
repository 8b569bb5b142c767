package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// MemoryLedger is a Ledger kept in process memory.
type MemoryLedger struct {
	mu     sync.Mutex
	orders map[string]*Order
	now    func() time.Time
}

// NewMemoryLedger creates an empty MemoryLedger. A nil now uses time.Now.
func NewMemoryLedger(now func() time.Time) *MemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &MemoryLedger{orders: make(map[string]*Order), now: now}
}

func (l *MemoryLedger) RecordAttempt(_ context.Context, order Order) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stored := order.Clone()
	stored.Status = StatusPending
	stored.Outcome = nil
	stored.UpdatedAt = now

	if prev, ok := l.orders[order.ID]; ok {
		if prev.Status == StatusPaid {
			return Order{}, payment.ErrOrderAlreadyPaid
		}
		stored.History = append([]payment.Outcome(nil), prev.History...)
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.History = nil
		stored.CreatedAt = now
	}

	l.orders[order.ID] = &stored
	return stored.Clone(), nil
}

func (l *MemoryLedger) ApplyOutcome(_ context.Context, orderRef string, outcome payment.Outcome) (Order, error) {
	next, err := statusFor(outcome)
	if err != nil {
		return Order{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderRef]
	if !ok {
		return Order{}, payment.ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return Order{}, rejectApply(o.Status)
	}

	applied := outcome
	o.Status = next
	o.Outcome = &applied
	o.History = append(o.History, outcome)
	o.UpdatedAt = l.now()
	return o.Clone(), nil
}

func (l *MemoryLedger) Get(_ context.Context, orderRef string) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderRef]
	if !ok {
		return Order{}, payment.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (l *MemoryLedger) List(_ context.Context) ([]Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
