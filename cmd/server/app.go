package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter"
	"github.com/lunaluxe/payment-orchestrator/internal/adapter/circuitbreaker"
	gwmock "github.com/lunaluxe/payment-orchestrator/internal/adapter/mock"
	"github.com/lunaluxe/payment-orchestrator/internal/adapter/mpesa"
	"github.com/lunaluxe/payment-orchestrator/internal/adapter/stripe"
	"github.com/lunaluxe/payment-orchestrator/internal/checkout"
	"github.com/lunaluxe/payment-orchestrator/internal/config"
	"github.com/lunaluxe/payment-orchestrator/internal/ledger"
	"github.com/lunaluxe/payment-orchestrator/internal/metrics"
	"github.com/lunaluxe/payment-orchestrator/internal/notify"
	"github.com/lunaluxe/payment-orchestrator/internal/orchestrator"
	"github.com/lunaluxe/payment-orchestrator/internal/poller"
	"github.com/lunaluxe/payment-orchestrator/internal/reporting"
)

const (
	serviceName = "payment-orchestrator"
	// serviceTimeout bounds calls to the coupon and address services.
	serviceTimeout = 10 * time.Second
)

// app holds the wired service.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry

	ledger   ledger.Ledger
	builder  *checkout.Builder
	orc      *orchestrator.Orchestrator
	feed     *notify.Feed
	reporter *reporting.RetrospectiveReporter

	ping func(context.Context) error
	// closers run in order on shutdown, after in-flight orchestrations drain.
	closers []func() error
}

type appOptions struct {
	push  adapter.PushGateway
	card  adapter.CardGateway
	clock poller.Clock
}

type appOption func(*appOptions)

// withGateways replaces the configured gateways.
func withGateways(push adapter.PushGateway, card adapter.CardGateway) appOption {
	return func(o *appOptions) { o.push, o.card = push, card }
}

// withPollClock replaces the poller's wall clock.
func withPollClock(c poller.Clock) appOption {
	return func(o *appOptions) { o.clock = c }
}

func newApp(cfg config.Config, logger zerolog.Logger, opts ...appOption) (*app, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		feed:     notify.NewFeed(notify.DefaultFeedSize),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	db, err := ledger.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	a.closers = append(a.closers, sqlDB.Close)
	a.ping = sqlDB.PingContext
	l, err := ledger.NewSQLLedger(db, nil)
	if err != nil {
		return nil, err
	}
	a.ledger = l

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(provider string, from, to circuitbreaker.State) {
		m.CircuitState.WithLabelValues(provider).Set(float64(to))
		logger.Warn().Str("provider", provider).Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
	}
	breaker := circuitbreaker.NewCircuitBreaker(breakerCfg)

	push, card := o.push, o.card
	if push == nil || card == nil {
		push, card = a.gateways(breaker)
	}

	pollOpts := []poller.Option{poller.WithLogger(logger)}
	if o.clock != nil {
		pollOpts = append(pollOpts, poller.WithClock(o.clock))
	}

	a.orc = orchestrator.NewOrchestrator(push, card, l, poller.New(cfg.Poller, pollOpts...),
		orchestrator.WithNotifier(notify.Multi{a.feed, notify.NewLogSink(logger)}),
		orchestrator.WithMetrics(m),
		orchestrator.WithLogger(logger),
	)

	builderOpts := []checkout.Option{
		checkout.WithPricingRules(cfg.Pricing),
		checkout.WithLogger(logger),
		checkout.WithMetrics(m),
		checkout.WithGuard(a.orc),
	}
	client := &http.Client{Timeout: serviceTimeout}
	if cfg.CouponServiceURL != "" {
		builderOpts = append(builderOpts, checkout.WithCoupons(checkout.NewHTTPCouponLookup(cfg.CouponServiceURL, client)))
	}
	if cfg.AddressServiceURL != "" {
		builderOpts = append(builderOpts, checkout.WithAddressValidator(checkout.NewHTTPAddressValidator(cfg.AddressServiceURL, client)))
	}
	a.builder = checkout.NewBuilder(l, builderOpts...)
	a.reporter = reporting.NewRetrospectiveReporter(l)
	return a, nil
}

// gateways builds the provider adapters for the configured mode.
func (a *app) gateways(breaker *circuitbreaker.CircuitBreaker) (adapter.PushGateway, adapter.CardGateway) {
	if a.cfg.Gateways != config.GatewaysLive {
		a.logger.Warn().Msg("using mock payment gateways")
		return gwmock.NewPushGateway("mpesa-mock"), gwmock.NewCardGateway("stripe-mock")
	}

	mpesaOpts := []mpesa.Option{mpesa.WithBreaker(breaker), mpesa.WithLogger(a.logger)}
	if a.cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		a.closers = append([]func() error{rdb.Close}, a.closers...)
		mpesaOpts = append(mpesaOpts, mpesa.WithTokenCache(mpesa.NewRedisTokenCache(rdb, serviceName+":mpesa:token:")))
	}
	push := mpesa.New(a.cfg.MPesa, mpesaOpts...)
	card := stripe.NewStripeAdapter(a.cfg.Stripe, stripe.WithBreaker(breaker), stripe.WithLogger(a.logger))
	return push, card
}

// Close abandons in-flight orchestrations, then releases the stores.
func (a *app) Close(ctx context.Context) error {
	errs := []error{a.orc.Drain(ctx)}
	for _, closer := range a.closers {
		errs = append(errs, closer())
	}
	return errors.Join(errs...)
}
