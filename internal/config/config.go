// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter/circuitbreaker"
	"github.com/lunaluxe/payment-orchestrator/internal/adapter/mpesa"
	"github.com/lunaluxe/payment-orchestrator/internal/adapter/stripe"
	"github.com/lunaluxe/payment-orchestrator/internal/ledger"
	"github.com/lunaluxe/payment-orchestrator/internal/poller"
)

// Gateway modes.
const (
	GatewaysLive = "live"
	GatewaysMock = "mock"
)

// Config is the complete service configuration.
type Config struct {
	Environment     string
	HTTPAddr        string
	ShutdownTimeout time.Duration

	LogLevel  string
	LogPretty bool
	Tracing   bool

	DatabasePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Gateways string
	MPesa    mpesa.Config
	Stripe   stripe.Config
	Breaker  circuitbreaker.Config

	Poller  poller.Config
	Pricing ledger.PricingRules

	CouponServiceURL  string
	AddressServiceURL string
}

// IsProduction reports whether ENVIRONMENT is "production".
func (c Config) IsProduction() bool { return c.Environment == "production" }

// Error lists every invalid or missing key found by Load.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads the configuration through getenv (os.Getenv in production).
// Every problem is reported, not just the first one.
func Load(getenv func(string) string) (Config, error) {
	l := &loader{getenv: getenv}

	cfg := Config{
		Environment:     l.optional("ENVIRONMENT", "development"),
		HTTPAddr:        l.optional("HTTP_ADDR", ":8080"),
		ShutdownTimeout: l.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        l.optional("LOG_LEVEL", "info"),
		Tracing:         l.boolean("TRACING_ENABLED", false),
		DatabasePath:    l.optional("DATABASE_PATH", "orders.db"),
		RedisAddr:       l.optional("REDIS_ADDR", ""),
		RedisPassword:   l.optional("REDIS_PASSWORD", ""),
		RedisDB:         l.integer("REDIS_DB", 0),
		Gateways:        l.optional("GATEWAYS", GatewaysMock),
		Breaker: circuitbreaker.Config{
			FailureThreshold: l.integer("BREAKER_FAILURE_THRESHOLD", 0),
			ResetTimeout:     l.duration("BREAKER_RESET_TIMEOUT", 0),
		},
		Poller: poller.Config{
			Interval:     l.duration("POLL_INTERVAL", poller.DefaultInterval),
			MaxAttempts:  l.integer("POLL_MAX_ATTEMPTS", poller.DefaultMaxAttempts),
			QueryTimeout: l.duration("POLL_QUERY_TIMEOUT", 0),
		},
		CouponServiceURL:  l.optional("COUPON_SERVICE_URL", ""),
		AddressServiceURL: l.optional("ADDRESS_SERVICE_URL", ""),
	}
	cfg.LogPretty = l.boolean("LOG_PRETTY", !cfg.IsProduction())

	defaults := ledger.DefaultPricingRules()
	cfg.Pricing = ledger.PricingRules{
		ShippingThreshold: l.decimal("SHIPPING_THRESHOLD", defaults.ShippingThreshold),
		FlatShippingFee:   l.decimal("SHIPPING_FEE", defaults.FlatShippingFee),
		TaxRate:           l.decimal("TAX_RATE", defaults.TaxRate),
	}

	switch cfg.Gateways {
	case GatewaysMock:
	case GatewaysLive:
		cfg.MPesa = mpesa.Config{
			BaseURL:        l.optional("MPESA_BASE_URL", ""),
			ConsumerKey:    l.required("MPESA_CONSUMER_KEY"),
			ConsumerSecret: l.required("MPESA_CONSUMER_SECRET"),
			ShortCode:      l.required("MPESA_SHORTCODE"),
			PassKey:        l.required("MPESA_PASSKEY"),
			CallbackURL:    l.required("MPESA_CALLBACK_URL"),
			MaxAmount:      l.decimal("MPESA_MAX_AMOUNT", mpesa.DefaultMaxAmount),
		}
		cfg.Stripe = stripe.Config{
			BaseURL:   l.optional("STRIPE_BASE_URL", ""),
			SecretKey: l.required("STRIPE_SECRET_KEY"),
			ReturnURL: l.optional("STRIPE_RETURN_URL", ""),
		}
	default:
		l.fail("GATEWAYS", fmt.Sprintf("must be %q or %q, got %q", GatewaysLive, GatewaysMock, cfg.Gateways))
	}

	if cfg.Poller.Interval <= 0 {
		l.fail("POLL_INTERVAL", "must be positive")
	}
	if cfg.Poller.MaxAttempts <= 0 {
		l.fail("POLL_MAX_ATTEMPTS", "must be positive")
	}
	if cfg.Pricing.TaxRate.IsNegative() || cfg.Pricing.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		l.fail("TAX_RATE", "must be in [0, 1)")
	}

	if len(l.problems) > 0 {
		return Config{}, &Error{Problems: l.problems}
	}
	return cfg, nil
}

type loader struct {
	getenv   func(string) string
	problems []string
}

func (l *loader) fail(key, msg string) {
	l.problems = append(l.problems, key+": "+msg)
}

func (l *loader) optional(key, def string) string {
	if v := strings.TrimSpace(l.getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) required(key string) string {
	v := strings.TrimSpace(l.getenv(key))
	if v == "" {
		l.fail(key, "required")
	}
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := l.optional(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, "not a duration: "+v)
		return def
	}
	return d
}

func (l *loader) integer(key string, def int) int {
	v := l.optional(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, "not an integer: "+v)
		return def
	}
	return n
}

func (l *loader) boolean(key string, def bool) bool {
	v := l.optional(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, "not a boolean: "+v)
		return def
	}
	return b
}

func (l *loader) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := l.optional(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		l.fail(key, "not a decimal: "+v)
		return def
	}
	return d
}
