package metrics

import (
	"time"

	"mercator-hq/relay/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics tracks engine entry-point calls.
//
// Metrics:
//   - relay_requests_total: calls by mode and status
//   - relay_request_duration_seconds: end-to-end call duration by mode
//   - relay_request_errors_total: failed calls by mode and error type
type RequestMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
}

// NewRequestMetrics creates and registers request metrics with registry.
func NewRequestMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RequestMetrics {
	rm := &RequestMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_total",
				Help:      "Total number of routed calls",
			},
			[]string{"mode", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end duration of routed calls, including failover and queueing",
				Buckets:   cfg.RequestDurationBuckets,
			},
			[]string{"mode"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_errors_total",
				Help:      "Total number of failed routed calls by error type",
			},
			[]string{"mode", "error_type"},
		),
	}

	registry.MustRegister(rm.requestsTotal, rm.requestDuration, rm.errorsTotal)
	return rm
}

// RecordRequest records one call.
func (rm *RequestMetrics) RecordRequest(mode, status string, duration time.Duration) {
	rm.requestsTotal.WithLabelValues(mode, status).Inc()
	rm.requestDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordError records one failed call.
func (rm *RequestMetrics) RecordError(mode, errorType string) {
	rm.errorsTotal.WithLabelValues(mode, errorType).Inc()
}
