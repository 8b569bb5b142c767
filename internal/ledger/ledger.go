// Package ledger records storefront orders, their derived totals and the
// payment outcome applied to them.
//
// ApplyOutcome is the only path that moves an order to PAID or FAILED, and an
// order becomes PAID at most once. Orders are never deleted: every applied
// outcome is appended to the order history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// ErrOrderNotPending is returned by ApplyOutcome for an order that already
// carries a FAILED outcome.
var ErrOrderNotPending = errors.New("order is not pending")

// Status is the payment status of an order.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// LineItem is one ordered product.
type LineItem struct {
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
}

// ShippingInfo is the delivery address captured at checkout.
type ShippingInfo struct {
	FullName   string `json:"fullName"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// PricingRules are the storefront pricing parameters applied to an order.
type PricingRules struct {
	// Shipping is waived when the subtotal is strictly above the threshold.
	ShippingThreshold decimal.Decimal `json:"shippingThreshold"`
	FlatShippingFee   decimal.Decimal `json:"flatShippingFee"`
	TaxRate           decimal.Decimal `json:"taxRate"`
}

// DefaultPricingRules returns the storefront defaults: free shipping above
// 5000, otherwise a flat 300, and 16% VAT.
func DefaultPricingRules() PricingRules {
	return PricingRules{
		ShippingThreshold: decimal.NewFromInt(5000),
		FlatShippingFee:   decimal.NewFromInt(300),
		TaxRate:           decimal.RequireFromString("0.16"),
	}
}

// Totals are the amounts derived from an order's inputs.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// ComputeTotals derives the totals of items under rules. The discount is
// clamped to [0, subtotal] and tax is charged on the discounted subtotal,
// rounded to two places.
func ComputeTotals(items []LineItem, rules PricingRules, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	shipping := rules.FlatShippingFee
	if subtotal.GreaterThan(rules.ShippingThreshold) {
		shipping = decimal.Zero
	}

	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	tax := subtotal.Sub(discount).Mul(rules.TaxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Shipping: shipping,
		Discount: discount,
		Tax:      tax,
		Total:    subtotal.Add(shipping).Sub(discount).Add(tax),
	}
}

// Order is the ledger aggregate. Totals are never stored; they are derived
// from Items, Rules and Discount on demand.
type Order struct {
	ID         string            `json:"orderRef"`
	Items      []LineItem        `json:"items"`
	Shipping   ShippingInfo      `json:"shipping"`
	Currency   string            `json:"currency"`
	CouponCode string            `json:"couponCode,omitempty"`
	Discount   decimal.Decimal   `json:"discount"`
	Rules      PricingRules      `json:"pricingRules"`
	Method     payment.Method    `json:"method,omitempty"`
	Status     Status            `json:"status"`
	Outcome    *payment.Outcome  `json:"outcome,omitempty"`
	History    []payment.Outcome `json:"history,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Totals derives the order totals.
func (o Order) Totals() Totals {
	return ComputeTotals(o.Items, o.Rules, o.Discount)
}

// Clone returns a deep copy of o.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]LineItem(nil), o.Items...)
	c.History = append([]payment.Outcome(nil), o.History...)
	if o.Outcome != nil {
		out := *o.Outcome
		c.Outcome = &out
	}
	return c
}

// NewOrderRef returns a fresh order reference of the form
// ORD-<unix millis>-<suffix>.
func NewOrderRef(now time.Time) string {
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Ledger stores orders. Implementations serialise writes per order.
type Ledger interface {
	// RecordAttempt stores order or replaces the stored order with the same
	// ID, leaving it PENDING. It fails with payment.ErrOrderAlreadyPaid when
	// the stored order is PAID. Outcome history is preserved.
	RecordAttempt(ctx context.Context, order Order) (Order, error)
	// ApplyOutcome atomically moves a PENDING order to PAID or FAILED.
	ApplyOutcome(ctx context.Context, orderRef string, outcome payment.Outcome) (Order, error)
	Get(ctx context.Context, orderRef string) (Order, error)
	// List returns every order, oldest first.
	List(ctx context.Context) ([]Order, error)
}

// statusFor validates an outcome for application and returns the status it
// moves an order to. TIMED_OUT outcomes are never applied.
func statusFor(outcome payment.Outcome) (Status, error) {
	switch outcome.Status {
	case payment.StatusSucceeded:
		return StatusPaid, nil
	case payment.StatusFailed:
		return StatusFailed, nil
	case payment.StatusTimedOut:
		return "", fmt.Errorf("refusing to apply an unconfirmed outcome: %w", payment.ErrTimedOut)
	default:
		return "", fmt.Errorf("unknown outcome status %q", outcome.Status)
	}
}

// rejectApply maps the current status of an order that could not be
// updated to the matching error.
func rejectApply(current Status) error {
	if current == StatusPaid {
		return payment.ErrOrderAlreadyPaid
	}
	return ErrOrderNotPending
}
