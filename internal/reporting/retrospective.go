// Package reporting summarises the order ledger for operators.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lunaluxe/payment-orchestrator/internal/ledger"
	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// Window limits a report to orders created in [From, To). A zero bound is
// open.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// RetrospectiveReport summarizes payment activity over a set of orders.
type RetrospectiveReport struct {
	TotalOrders int                   `json:"totalOrders"`
	ByStatus    map[ledger.Status]int `json:"byStatus"`
	// PaidByCurrency sums the totals of PAID orders.
	PaidByCurrency map[string]decimal.Decimal `json:"paidByCurrency"`
	// FailedAttempts counts every FAILED outcome in order history, including
	// those of orders that were paid on a later attempt.
	FailedAttempts int                    `json:"failedAttempts"`
	FailureReasons map[string]int         `json:"failureReasons"`
	MethodUsage    map[payment.Method]int `json:"methodUsage"`
	DateFrom       time.Time              `json:"dateFrom"`
	DateTo         time.Time              `json:"dateTo"`
	Span           time.Duration          `json:"span"`
}

func newReport() *RetrospectiveReport {
	return &RetrospectiveReport{
		ByStatus:       make(map[ledger.Status]int),
		PaidByCurrency: make(map[string]decimal.Decimal),
		FailureReasons: make(map[string]int),
		MethodUsage:    make(map[payment.Method]int),
	}
}

// RetrospectiveReporter generates retrospective reports from the ledger.
type RetrospectiveReporter struct {
	ledger ledger.Ledger
}

// NewRetrospectiveReporter creates a new RetrospectiveReporter.
func NewRetrospectiveReporter(l ledger.Ledger) *RetrospectiveReporter {
	if l == nil {
		panic("Ledger cannot be nil")
	}
	return &RetrospectiveReporter{ledger: l}
}

// Generate reports on the ledger orders created inside w.
func (rr *RetrospectiveReporter) Generate(ctx context.Context, w Window) (*RetrospectiveReport, error) {
	orders, err := rr.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	selected := orders[:0]
	for _, o := range orders {
		if w.contains(o.CreatedAt) {
			selected = append(selected, o)
		}
	}
	return GenerateRetrospective(selected), nil
}

// GenerateRetrospective analyzes orders and produces a RetrospectiveReport.
// The covered window runs from the earliest creation to the latest update.
func GenerateRetrospective(orders []ledger.Order) *RetrospectiveReport {
	report := newReport()
	for i, o := range orders {
		report.TotalOrders++
		report.ByStatus[o.Status]++
		if o.Method != "" {
			report.MethodUsage[o.Method]++
		}

		if o.Status == ledger.StatusPaid {
			cur := o.Currency
			report.PaidByCurrency[cur] = report.PaidByCurrency[cur].Add(o.Totals().Total)
		}
		for _, out := range o.History {
			if out.Status != payment.StatusFailed {
				continue
			}
			report.FailedAttempts++
			report.FailureReasons[out.FailureReason]++
		}

		last := o.UpdatedAt
		if last.Before(o.CreatedAt) {
			last = o.CreatedAt
		}
		if i == 0 || o.CreatedAt.Before(report.DateFrom) {
			report.DateFrom = o.CreatedAt
		}
		if i == 0 || last.After(report.DateTo) {
			report.DateTo = last
		}
	}
	report.Span = report.DateTo.Sub(report.DateFrom)
	return report
}
