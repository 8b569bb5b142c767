package stripe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter"
	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

const (
	providerName = "stripe"

	stripeAPIBaseURL     = "https://api.stripe.com/v1"
	defaultRetryAttempts = 2
	defaultRetryDelay    = 500 * time.Millisecond
	defaultHTTPTimeout   = 10 * time.Second
	maxIdempotencyKeyLen = 255
)

// Currencies Stripe expects in whole units.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Config holds the Stripe account settings.
type Config struct {
	BaseURL       string
	SecretKey     string
	ReturnURL     string
	HTTPTimeout   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// StripeAdapter implements adapter.CardGateway against the PaymentIntents API.
type StripeAdapter struct {
	cfg        Config
	httpClient *http.Client
	breaker    adapter.Breaker
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a StripeAdapter.
type Option func(*StripeAdapter)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(s *StripeAdapter) { s.httpClient = c } }

// WithBreaker guards every call with b.
func WithBreaker(b adapter.Breaker) Option { return func(s *StripeAdapter) { s.breaker = b } }

// WithClock overrides the clock used for card expiry checks.
func WithClock(now func() time.Time) Option { return func(s *StripeAdapter) { s.now = now } }

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option { return func(s *StripeAdapter) { s.logger = l } }

// NewStripeAdapter creates a new StripeAdapter.
func NewStripeAdapter(cfg Config, opts ...Option) *StripeAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = stripeAPIBaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	} else if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	s := &StripeAdapter{cfg: cfg, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	s.logger = s.logger.With().Str("provider", providerName).Logger()
	return s
}

// Name returns the name of the provider.
func (s *StripeAdapter) Name() string {
	return providerName
}

// ValidateCard runs the local card checks.
func (s *StripeAdapter) ValidateCard(card payment.CardDetails) error {
	return payment.ValidateCard(card, s.now())
}

// MinorUnits converts amount into the integer unit Stripe expects for
// currency (cents for KES/USD, whole units for zero-decimal currencies).
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// idempotencyKey builds a key bounded to Stripe's maximum length.
func idempotencyKey(parts ...string) string {
	key := strings.Join(parts, "-")
	if len(key) > maxIdempotencyKeyLen {
		return key[:maxIdempotencyKeyLen]
	}
	return key
}

// StripeErrorResponse represents the error structure from Stripe API
type StripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

type paymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	NextAction   *struct {
		Type          string `json:"type"`
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

// CreateIntent creates a payment intent for orderRef. The idempotency key
// is derived from orderRef, currency and amount, so repeating the call for
// the same charge returns the same intent, while a re-priced order gets a
// new one.
func (s *StripeAdapter) CreateIntent(ctx context.Context, amount decimal.Decimal, currency, orderRef string) (adapter.CardIntent, error) {
	ctx, span := otel.Tracer("stripe").Start(ctx, "stripe.CreateIntent")
	defer span.End()
	span.SetAttributes(attribute.String("order_ref", orderRef))

	minor := strconv.FormatInt(MinorUnits(amount, currency), 10)
	form := url.Values{}
	form.Set("amount", minor)
	form.Set("currency", strings.ToLower(currency))
	form.Set("payment_method_types[]", "card")
	form.Set("description", "Order "+orderRef)
	form.Set("metadata[order_ref]", orderRef)

	var pi paymentIntent
	if err := s.call(ctx, "create_intent", http.MethodPost, "/payment_intents", form, idempotencyKey("intent", orderRef, strings.ToLower(currency), minor), &pi); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return adapter.CardIntent{}, err
	}

	intent := adapter.CardIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       normalizeStatus(pi.Status),
		AmountMinor:  pi.Amount,
		Currency:     pi.Currency,
	}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		intent.RedirectURL = pi.NextAction.RedirectToURL.URL
	}
	return intent, nil
}

// Confirm attaches card to the intent and confirms it.
func (s *StripeAdapter) Confirm(ctx context.Context, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error) {
	if err := s.ValidateCard(card); err != nil {
		return adapter.CardConfirmation{}, err
	}

	ctx, span := otel.Tracer("stripe").Start(ctx, "stripe.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("intent_id", intent.ID), attribute.String("card_last4", card.Last4()))

	month, year, _ := payment.ParseExpiry(card.Expiry)
	form := url.Values{}
	form.Set("payment_method_data[type]", "card")
	form.Set("payment_method_data[card][number]", strings.NewReplacer(" ", "", "-", "").Replace(card.Number))
	form.Set("payment_method_data[card][exp_month]", strconv.Itoa(month))
	form.Set("payment_method_data[card][exp_year]", strconv.Itoa(year))
	form.Set("payment_method_data[card][cvc]", strings.TrimSpace(card.CVC))
	if card.HolderName != "" {
		form.Set("payment_method_data[billing_details][name]", card.HolderName)
	}
	if s.cfg.ReturnURL != "" {
		form.Set("return_url", s.cfg.ReturnURL)
	}

	var pi paymentIntent
	path := "/payment_intents/" + url.PathEscape(intent.ID) + "/confirm"
	if err := s.call(ctx, "confirm", http.MethodPost, path, form, idempotencyKey("confirm", intent.ID, uuid.NewString()), &pi); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return adapter.CardConfirmation{}, err
	}
	conf := toConfirmation(pi)
	span.SetAttributes(attribute.String("intent_status", string(conf.Status)))
	return conf, nil
}

// Retrieve re-reads an intent, typically after 3-D Secure.
func (s *StripeAdapter) Retrieve(ctx context.Context, intentID string) (adapter.CardConfirmation, error) {
	ctx, span := otel.Tracer("stripe").Start(ctx, "stripe.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("intent_id", intentID))

	var pi paymentIntent
	if err := s.call(ctx, "retrieve", http.MethodGet, "/payment_intents/"+url.PathEscape(intentID), nil, "", &pi); err != nil {
		span.RecordError(err)
		return adapter.CardConfirmation{}, err
	}
	return toConfirmation(pi), nil
}

func normalizeStatus(status string) adapter.CardStatus {
	switch status {
	case "succeeded":
		return adapter.CardSucceeded
	case "requires_action":
		return adapter.CardRequiresAction
	case "processing", "requires_capture":
		return adapter.CardProcessing
	case "requires_confirmation":
		return adapter.CardRequiresConfirmation
	case "requires_payment_method":
		return adapter.CardRequiresPaymentMethod
	default:
		return adapter.CardFailed
	}
}

func toConfirmation(pi paymentIntent) adapter.CardConfirmation {
	conf := adapter.CardConfirmation{IntentID: pi.ID, Status: normalizeStatus(pi.Status)}
	switch pi.Status {
	case "requires_action":
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			conf.RedirectURL = pi.NextAction.RedirectToURL.URL
		}
	case "requires_payment_method", "canceled":
		// After a confirm, waiting for a new card means this one failed.
		conf.Status = adapter.CardFailed
		conf.FailureMessage = "payment was not completed"
		if pi.LastPaymentError != nil {
			conf.FailureCode = pi.LastPaymentError.Code
			if pi.LastPaymentError.DeclineCode != "" {
				conf.FailureCode = pi.LastPaymentError.DeclineCode
			}
			if pi.LastPaymentError.Message != "" {
				conf.FailureMessage = pi.LastPaymentError.Message
			}
		}
	}
	return conf
}

// call sends one API request through the breaker and decodes a 2xx body
// into out.
func (s *StripeAdapter) call(ctx context.Context, op, method, path string, form url.Values, idemKey string, out any) error {
	if s.breaker != nil && !s.breaker.AllowRequest(providerName) {
		return payment.Unreachable(providerName, op, adapter.ErrCircuitOpen)
	}
	err := s.doWithRetry(ctx, op, method, path, form, idemKey, out)
	if s.breaker != nil {
		if errors.Is(err, payment.ErrGatewayUnreachable) {
			s.breaker.RecordFailure(providerName)
		} else {
			s.breaker.RecordSuccess(providerName)
		}
	}
	return err
}

// doWithRetry retries network errors, 429 and 5xx with the same
// idempotency key. Other answers are final.
func (s *StripeAdapter) doWithRetry(ctx context.Context, op, method, path string, form url.Values, idemKey string, out any) error {
	var requestBody []byte
	if form != nil {
		requestBody = []byte(form.Encode())
	}

	var (
		lastErr   error
		status    int
		bodyBytes []byte
		gotAnswer bool
	)
	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return payment.Unreachable(providerName, op, ctx.Err())
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		var body io.Reader
		if requestBody != nil {
			body = bytes.NewReader(requestBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
		if err != nil {
			return fmt.Errorf("stripe: failed to create http request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
		if requestBody != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http client error on attempt %d: %w", attempt+1, err)
			gotAnswer = false
			s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("stripe request failed")
			continue
		}
		bodyBytes, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			gotAnswer = false
			continue
		}
		status, gotAnswer = resp.StatusCode, true

		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("received HTTP %d (attempt %d)", status, attempt+1)
			s.logger.Warn().Str("op", op).Int("status", status).Int("attempt", attempt+1).Msg("stripe retryable status")
			continue
		}
		break
	}

	if !gotAnswer || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return payment.Unreachable(providerName, op, lastErr)
	}

	if status < 200 || status >= 300 {
		var errorResponse StripeErrorResponse
		if err := json.Unmarshal(bodyBytes, &errorResponse); err == nil && errorResponse.Error.Message != "" {
			code := errorResponse.Error.Code
			if errorResponse.Error.DeclineCode != "" {
				code = errorResponse.Error.DeclineCode
			}
			return payment.Rejected(providerName, op, code, errorResponse.Error.Message)
		}
		return payment.Rejected(providerName, op, fmt.Sprintf("HTTP_%d", status), fmt.Sprintf("request failed with HTTP %d", status))
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return payment.Unreachable(providerName, op, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}
