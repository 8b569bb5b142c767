package checkout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

// CouponLookup prices a coupon code against the current subtotal. Unknown or
// inapplicable codes fail with payment.ErrInvalidCoupon.
type CouponLookup interface {
	Discount(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error)
}

func invalidCoupon() error {
	return payment.NewValidationError(payment.ErrInvalidCoupon, "couponCode")
}

// Coupon is a static coupon definition. Percent is a fraction (0.10 for 10%)
// and takes precedence over Amount.
type Coupon struct {
	Percent     decimal.Decimal
	Amount      decimal.Decimal
	MinSubtotal decimal.Decimal
}

// StaticCoupons is a CouponLookup over a fixed, case-insensitive table.
type StaticCoupons map[string]Coupon

func (s StaticCoupons) Discount(_ context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	c, ok := s[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return decimal.Zero, invalidCoupon()
	}
	if subtotal.LessThan(c.MinSubtotal) {
		return decimal.Zero, invalidCoupon()
	}
	if c.Percent.IsPositive() {
		return subtotal.Mul(c.Percent).Round(2), nil
	}
	return c.Amount, nil
}

// HTTPCouponLookup asks a remote coupon service. Any 4xx answer rejects the
// code.
type HTTPCouponLookup struct {
	url    string
	client *http.Client
}

// NewHTTPCouponLookup creates a lookup posting to url. A nil client uses
// http.DefaultClient.
func NewHTTPCouponLookup(url string, client *http.Client) *HTTPCouponLookup {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCouponLookup{url: url, client: client}
}

type couponRequest struct {
	Code  string          `json:"code"`
	Total decimal.Decimal `json:"total"`
}

type couponResponse struct {
	Discount decimal.Decimal `json:"discount"`
}

func (h *HTTPCouponLookup) Discount(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	var out couponResponse
	status, err := postJSON(ctx, h.client, h.url, couponRequest{Code: code, Total: subtotal}, &out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coupon lookup failed: %w", err)
	}
	if status >= 400 && status < 500 {
		return decimal.Zero, invalidCoupon()
	}
	if status < 200 || status >= 300 {
		return decimal.Zero, fmt.Errorf("coupon lookup failed: HTTP %d", status)
	}
	return out.Discount, nil
}

// postJSON posts body and decodes a 2xx answer into out. It returns the
// status code; only transport and decoding failures are errors.
func postJSON(ctx context.Context, client *http.Client, url string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("malformed response: %w", err)
	}
	return resp.StatusCode, nil
}
