// Package checkout turns a submitted cart into a priced, recorded order:
// it checks the shipping address, prices any coupon against the subtotal and
// records the order in the ledger as PENDING.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lunaluxe/payment-orchestrator/internal/ledger"
	"github.com/lunaluxe/payment-orchestrator/internal/metrics"
	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// DefaultCurrency is used when a cart does not name one.
const DefaultCurrency = "KES"

// Input is a submitted cart. OrderRef is optional; a fresh reference is
// generated when it is empty.
type Input struct {
	OrderRef   string
	Items      []ledger.LineItem
	Shipping   ledger.ShippingInfo
	CouponCode string
	Currency   string
}

// Guard keeps payments from starting on an order while it is rewritten.
type Guard interface {
	Reserve(orderRef string) (release func(), err error)
}

// Builder builds orders.
type Builder struct {
	ledger    ledger.Ledger
	guard     Guard
	coupons   CouponLookup
	addresses AddressValidator
	rules     ledger.PricingRules
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Builder.
type Option func(*Builder)

func WithCoupons(c CouponLookup) Option { return func(b *Builder) { b.coupons = c } }

func WithAddressValidator(v AddressValidator) Option { return func(b *Builder) { b.addresses = v } }

func WithPricingRules(r ledger.PricingRules) Option { return func(b *Builder) { b.rules = r } }

func WithClock(now func() time.Time) Option { return func(b *Builder) { b.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(b *Builder) { b.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Builder) { b.metrics = m } }

// WithGuard makes Build refuse orders with a payment in flight.
func WithGuard(g Guard) Option { return func(b *Builder) { b.guard = g } }

// NewBuilder creates a Builder writing to l. Without options every address
// is accepted and no coupon is valid.
func NewBuilder(l ledger.Ledger, opts ...Option) *Builder {
	if l == nil {
		panic("checkout: ledger cannot be nil")
	}
	b := &Builder{
		ledger:    l,
		coupons:   StaticCoupons{},
		addresses: AcceptAll{},
		rules:     ledger.DefaultPricingRules(),
		now:       time.Now,
		logger:    zerolog.Nop(),
		metrics:   metrics.NewUnregistered(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates, prices and records in. The returned order is PENDING.
func (b *Builder) Build(ctx context.Context, in Input) (order ledger.Order, err error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "Builder.Build")
	defer span.End()

	start := b.now()
	defer func() {
		b.metrics.CheckoutDuration.Observe(b.now().Sub(start).Seconds())
		b.metrics.CheckoutRequests.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := validateItems(in.Items); err != nil {
		return ledger.Order{}, err
	}
	if err := validateShipping(in.Shipping); err != nil {
		return ledger.Order{}, err
	}

	ok, err := b.addresses.ValidateAddress(ctx, in.Shipping)
	if err != nil {
		return ledger.Order{}, err
	}
	if !ok {
		return ledger.Order{}, payment.NewValidationError(payment.ErrInvalidAddress, "shipping")
	}

	subtotal := ledger.ComputeTotals(in.Items, b.rules, decimal.Zero).Subtotal
	discount := decimal.Zero
	code := strings.TrimSpace(in.CouponCode)
	if code != "" {
		discount, err = b.coupons.Discount(ctx, code, subtotal)
		if err != nil {
			return ledger.Order{}, err
		}
	}

	ref := in.OrderRef
	if ref == "" {
		ref = ledger.NewOrderRef(b.now())
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	span.SetAttributes(attribute.String("order.ref", ref), attribute.Int("order.items", len(in.Items)))

	if b.guard != nil {
		release, err := b.guard.Reserve(ref)
		if err != nil {
			return ledger.Order{}, err
		}
		defer release()
	}

	order, err = b.ledger.RecordAttempt(ctx, ledger.Order{
		ID:         ref,
		Items:      in.Items,
		Shipping:   in.Shipping,
		Currency:   currency,
		CouponCode: code,
		Discount:   discount,
		Rules:      b.rules,
	})
	if err != nil {
		return ledger.Order{}, fmt.Errorf("failed to record order %s: %w", ref, err)
	}

	b.logger.Info().
		Str("order_ref", ref).
		Str("total", order.Totals().Total.String()).
		Str("coupon", code).
		Msg("order recorded")
	return order, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, payment.ErrValidation), errors.Is(err, payment.ErrOrderAlreadyPaid),
		errors.Is(err, payment.ErrOrchestrationInProgress):
		return "rejected"
	default:
		return "error"
	}
}

func validateItems(items []ledger.LineItem) error {
	if len(items) == 0 {
		return payment.NewValidationError(payment.ErrInvalidRequest, "items")
	}
	var fields []string
	for i, it := range items {
		if strings.TrimSpace(it.Name) == "" {
			fields = append(fields, fmt.Sprintf("items[%d].name", i))
		}
		if it.UnitPrice.IsNegative() {
			fields = append(fields, fmt.Sprintf("items[%d].unitPrice", i))
		}
		if it.Quantity <= 0 {
			fields = append(fields, fmt.Sprintf("items[%d].quantity", i))
		}
	}
	if len(fields) > 0 {
		return payment.NewValidationError(payment.ErrInvalidRequest, fields...)
	}
	return nil
}

func validateShipping(s ledger.ShippingInfo) error {
	var fields []string
	required := []struct {
		name, value string
	}{
		{"shipping.fullName", s.FullName},
		{"shipping.email", s.Email},
		{"shipping.phone", s.Phone},
		{"shipping.address", s.Address},
		{"shipping.city", s.City},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			fields = append(fields, r.name)
		}
	}
	if strings.TrimSpace(s.Email) != "" {
		if _, err := mail.ParseAddress(s.Email); err != nil {
			fields = append(fields, "shipping.email")
		}
	}
	if len(fields) > 0 {
		return payment.NewValidationError(payment.ErrInvalidAddress, fields...)
	}
	return nil
}
