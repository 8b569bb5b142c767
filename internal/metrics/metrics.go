// Package metrics defines the Prometheus collectors of the payment service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payments"

// Metrics groups every collector. Build one per registry with New.
type Metrics struct {
	CheckoutRequests *prometheus.CounterVec
	CheckoutDuration prometheus.Histogram

	OrchestrationsStarted *prometheus.CounterVec
	OrchestrationOutcomes *prometheus.CounterVec
	OrchestrationDuration *prometheus.HistogramVec
	OrchestrationsActive  prometheus.Gauge

	PollAttempts  *prometheus.CounterVec
	GatewayErrors *prometheus.CounterVec
	CircuitState  *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CheckoutRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_requests_total",
			Help:      "Checkout requests by result.",
		}, []string{"result"}),
		CheckoutDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_build_duration_seconds",
			Help:      "Time spent validating, pricing and recording an order.",
			Buckets:   prometheus.DefBuckets,
		}),
		OrchestrationsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_started_total",
			Help:      "Payment orchestrations accepted, by method.",
		}, []string{"method"}),
		OrchestrationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestration_outcomes_total",
			Help:      "Terminal orchestration results by method and status.",
		}, []string{"method", "status"}),
		OrchestrationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_duration_seconds",
			Help:      "Time from initiation to terminal state.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"method"}),
		OrchestrationsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orchestrations_active",
			Help:      "Orchestrations currently in flight.",
		}),
		PollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Confirmation status queries by method and verdict.",
		}, []string{"method", "verdict"}),
		GatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Gateway errors by provider and kind.",
		}, []string{"provider", "kind"}),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
	}
}

// NewUnregistered returns collectors bound to a private registry, for tests
// and components built without a server.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
