package metrics

import (
	"time"

	"mercator-hq/relay/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderMetrics tracks per-provider attempt outcomes and routing events.
//
// Metrics:
//   - relay_provider_attempts_total: attempts by provider and status
//   - relay_provider_latency_seconds: attempt latency by provider
//   - relay_provider_errors_total: failed attempts by provider and error type
//   - relay_failovers_total: moves between providers
//   - relay_circuit_transitions_total: circuit state changes
type ProviderMetrics struct {
	attempts           *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	errors             *prometheus.CounterVec
	failovers          *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
}

// NewProviderMetrics creates and registers provider metrics with registry.
func NewProviderMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ProviderMetrics {
	pm := &ProviderMetrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "provider_attempts_total",
				Help:      "Total number of upstream attempts",
			},
			[]string{"provider", "status"},
		),

		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "provider_latency_seconds",
				Help:      "Upstream attempt latency; time to first chunk for streams",
				Buckets:   cfg.RequestDurationBuckets,
			},
			[]string{"provider"},
		),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "provider_errors_total",
				Help:      "Total number of failed upstream attempts by error type",
			},
			[]string{"provider", "error_type"},
		),

		failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "failovers_total",
				Help:      "Total number of failovers between providers",
			},
			[]string{"from", "to"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state changes",
			},
			[]string{"provider", "from", "to"},
		),
	}

	registry.MustRegister(pm.attempts, pm.latency, pm.errors, pm.failovers, pm.circuitTransitions)
	return pm
}

// RecordAttempt records one upstream attempt.
func (pm *ProviderMetrics) RecordAttempt(provider, status string, latency time.Duration) {
	pm.attempts.WithLabelValues(provider, status).Inc()
	pm.latency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordError records a failed attempt.
func (pm *ProviderMetrics) RecordError(provider, errorType string) {
	pm.errors.WithLabelValues(provider, errorType).Inc()
}

// RecordFailover records a failover.
func (pm *ProviderMetrics) RecordFailover(from, to string) {
	pm.failovers.WithLabelValues(from, to).Inc()
}

// RecordCircuitTransition records a circuit state change.
func (pm *ProviderMetrics) RecordCircuitTransition(provider, from, to string) {
	pm.circuitTransitions.WithLabelValues(provider, from, to).Inc()
}
