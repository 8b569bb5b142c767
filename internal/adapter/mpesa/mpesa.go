// Package mpesa is the push-payment adapter for the Safaricom Daraja
// (M-Pesa Express / STK push) API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

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
	providerName = "mpesa"

	defaultBaseURL         = "https://sandbox.safaricom.co.ke"
	defaultTransactionType = "CustomerPayBillOnline"
	defaultHTTPTimeout     = 10 * time.Second
	defaultTokenTTL        = 3599 * time.Second
	tokenSafetyMargin      = 60 * time.Second

	timestampLayout = "20060102150405"

	// ProcessingErrorCode is the error code of a status query whose prompt
	// the customer has not answered yet.
	ProcessingErrorCode = "500.001.1001"
)

var (
	// DefaultMaxAmount is the largest single STK push the provider accepts.
	DefaultMaxAmount = decimal.NewFromInt(150000)

	// Timestamps are expected in Nairobi local time.
	eat = time.FixedZone("EAT", 3*60*60)
)

// Config holds the credentials and endpoints of one M-Pesa shortcode.
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	CallbackURL     string
	TransactionType string
	MaxAmount       decimal.Decimal
	HTTPTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.TransactionType == "" {
		c.TransactionType = defaultTransactionType
	}
	if !c.MaxAmount.IsPositive() {
		c.MaxAmount = DefaultMaxAmount
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

// Adapter implements adapter.PushGateway for M-Pesa.
type Adapter struct {
	cfg     Config
	client  *http.Client
	tokens  TokenCache
	breaker adapter.Breaker
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(a *Adapter) { a.client = c } }

// WithTokenCache replaces the in-memory token cache.
func WithTokenCache(tc TokenCache) Option { return func(a *Adapter) { a.tokens = tc } }

// WithBreaker guards every call with b.
func WithBreaker(b adapter.Breaker) Option { return func(a *Adapter) { a.breaker = b } }

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option { return func(a *Adapter) { a.logger = l } }

// New creates an Adapter.
func New(cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: a.cfg.HTTPTimeout}
	}
	if a.tokens == nil {
		a.tokens = NewMemoryTokenCache(a.now)
	}
	a.logger = a.logger.With().Str("provider", providerName).Logger()
	return a
}

// Name returns the provider name.
func (a *Adapter) Name() string { return providerName }

// Timestamp formats t the way the provider expects (YYYYMMDDHHmmss, EAT).
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password derives the request password: base64(shortCode + passKey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// ValidateAmount enforces 0 < amount <= MaxAmount.
func (a *Adapter) ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || amount.GreaterThan(a.cfg.MaxAmount) {
		return payment.NewValidationError(payment.ErrAmountOutOfRange, "amount")
	}
	return nil
}

// Validate runs the checks Initiate performs before any network call.
func (a *Adapter) Validate(amount decimal.Decimal, phone string) error {
	if _, err := NormalizePhone(phone); err != nil {
		return err
	}
	return a.ValidateAmount(amount)
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// errorResponse is the body Daraja sends with non-2xx statuses.
type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Initiate sends an STK push prompt to phone. Phone and amount are checked
// before any network call.
func (a *Adapter) Initiate(ctx context.Context, amount decimal.Decimal, phone, orderRef string) (adapter.PushInitiation, error) {
	msisdn, err := NormalizePhone(phone)
	if err != nil {
		return adapter.PushInitiation{}, err
	}
	if err := a.ValidateAmount(amount); err != nil {
		return adapter.PushInitiation{}, err
	}

	ctx, span := otel.Tracer("mpesa").Start(ctx, "mpesa.Initiate")
	defer span.End()
	span.SetAttributes(attribute.String("order_ref", orderRef))

	ts := Timestamp(a.now())
	body := stkPushRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          Password(a.cfg.ShortCode, a.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   a.cfg.TransactionType,
		Amount:            amount.Ceil().IntPart(),
		PartyA:            msisdn,
		PartyB:            a.cfg.ShortCode,
		PhoneNumber:       msisdn,
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  orderRef,
		TransactionDesc:   "Payment for order " + orderRef,
	}

	var resp stkPushResponse
	if err := a.call(ctx, "initiate", "/mpesa/stkpush/v1/processrequest", body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return adapter.PushInitiation{}, err
	}
	if resp.ResponseCode != "0" {
		err := payment.Rejected(providerName, "initiate", resp.ResponseCode, resp.ResponseDescription)
		span.SetStatus(codes.Error, err.Error())
		return adapter.PushInitiation{}, err
	}

	a.logger.Info().
		Str("order_ref", orderRef).
		Str("checkout_id", resp.CheckoutRequestID).
		Msg("stk push accepted")

	return adapter.PushInitiation{
		CheckoutID:          resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseCode:        resp.ResponseCode,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}, nil
}

// QueryStatus asks the provider for the state of a prompt. The password is
// recomputed for every query.
func (a *Adapter) QueryStatus(ctx context.Context, checkoutID string) (adapter.PushStatus, error) {
	ctx, span := otel.Tracer("mpesa").Start(ctx, "mpesa.QueryStatus")
	defer span.End()
	span.SetAttributes(attribute.String("checkout_id", checkoutID))

	ts := Timestamp(a.now())
	body := stkQueryRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          Password(a.cfg.ShortCode, a.cfg.PassKey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutID,
	}

	var resp stkQueryResponse
	if err := a.call(ctx, "query", "/mpesa/stkpushquery/v1/query", body, &resp); err != nil {
		if gwErr, ok := stillProcessing(err); ok {
			return adapter.PushStatus{
				CheckoutID:        checkoutID,
				ResultCode:        gwErr.Code,
				ResultDescription: gwErr.Reason,
			}, nil
		}
		span.RecordError(err)
		return adapter.PushStatus{}, err
	}
	span.SetAttributes(attribute.String("result_code", resp.ResultCode))
	return adapter.PushStatus{
		CheckoutID:        checkoutID,
		ResultCode:        resp.ResultCode,
		ResultDescription: resp.ResultDesc,
	}, nil
}

// call posts body to path with a bearer token and decodes a 2xx answer into
// out. Every failure comes back as a *payment.GatewayError.
func (a *Adapter) call(ctx context.Context, op, path string, body, out any) error {
	if a.breaker != nil && !a.breaker.AllowRequest(providerName) {
		return payment.Unreachable(providerName, op, adapter.ErrCircuitOpen)
	}

	err := a.doCall(ctx, op, path, body, out)
	if a.breaker != nil {
		if tripsBreaker(err) {
			a.breaker.RecordFailure(providerName)
		} else {
			a.breaker.RecordSuccess(providerName)
		}
	}
	return err
}

// tripsBreaker reports whether err says the provider is down: a transport
// failure or a 5xx other than the pending answer to a status query.
func tripsBreaker(err error) bool {
	if !errors.Is(err, payment.ErrGatewayUnreachable) {
		return false
	}
	if _, ok := stillProcessing(err); ok {
		return false
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status >= http.StatusInternalServerError
	}
	return true
}

// stillProcessing matches the 5xx Daraja returns while a prompt is open.
func stillProcessing(err error) (*payment.GatewayError, bool) {
	var gwErr *payment.GatewayError
	if errors.As(err, &gwErr) && gwErr.Op == "query" && gwErr.Code == ProcessingErrorCode {
		return gwErr, true
	}
	return nil, false
}

func (a *Adapter) doCall(ctx context.Context, op, path string, body, out any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mpesa: failed to marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mpesa: failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	respBody, status, err := a.do(req)
	if err != nil {
		return payment.Unreachable(providerName, op, err)
	}
	if status < 200 || status >= 300 {
		return statusError(op, status, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return payment.Unreachable(providerName, op, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	key := a.cfg.ShortCode + ":" + a.cfg.ConsumerKey
	if token, ok, err := a.tokens.Get(ctx, key); err != nil {
		a.logger.Warn().Err(err).Msg("token cache read failed")
	} else if ok {
		return token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("mpesa: failed to create token request: %w", err)
	}
	req.SetBasicAuth(a.cfg.ConsumerKey, a.cfg.ConsumerSecret)

	respBody, status, err := a.do(req)
	if err != nil {
		return "", payment.Unreachable(providerName, "oauth", err)
	}
	if status < 200 || status >= 300 {
		return "", statusError("oauth", status, respBody)
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil || tr.AccessToken == "" {
		return "", payment.Rejected(providerName, "oauth", "", "token response carried no access token")
	}

	ttl := defaultTokenTTL
	if secs, err := strconv.Atoi(tr.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > tokenSafetyMargin {
		ttl -= tokenSafetyMargin
	}
	if err := a.tokens.Set(ctx, key, tr.AccessToken, ttl); err != nil {
		a.logger.Warn().Err(err).Msg("token cache write failed")
	}
	return tr.AccessToken, nil
}

func (a *Adapter) do(req *http.Request) ([]byte, int, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// statusError maps a non-2xx answer: 5xx and 429 are unreachable, anything
// else is a rejection carrying the provider's error code.
func statusError(op string, status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	reason := er.ErrorMessage
	if reason == "" {
		reason = fmt.Sprintf("HTTP %d", status)
	}

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		gwErr := payment.Unreachable(providerName, op, &httpStatusError{status: status, message: reason})
		gwErr.Code = er.ErrorCode
		gwErr.Reason = reason
		return gwErr
	}
	return payment.Rejected(providerName, op, er.ErrorCode, reason)
}

type httpStatusError struct {
	status  int
	message string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.message)
}
