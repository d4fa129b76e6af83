package metrics

import (
	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/engine"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource provides an engine snapshot. *engine.Engine satisfies it.
type StatsSource interface {
	Stats() engine.Stats
}

// StateCollector is a prometheus.Collector that reads engine state at
// scrape time.
type StateCollector struct {
	source StatsSource

	circuitState    *prometheus.Desc
	circuitTrips    *prometheus.Desc
	providerWeight  *prometheus.Desc
	providerHealthy *prometheus.Desc
	providerLatency *prometheus.Desc
	inFlight        *prometheus.Desc
	queuePending    *prometheus.Desc
	queueRejected   *prometheus.Desc
	queueTimedOut   *prometheus.Desc
	failover        *prometheus.Desc
	hedging         *prometheus.Desc
}

// NewStateCollector creates a collector over src.
func NewStateCollector(cfg *config.MetricsConfig, src StatsSource) *StateCollector {
	name := func(n string) string {
		return prometheus.BuildFQName(cfg.Namespace, cfg.Subsystem, n)
	}
	return &StateCollector{
		source: src,
		circuitState: prometheus.NewDesc(name("circuit_state"),
			"Circuit breaker state (0=closed, 1=open, 2=half_open)",
			[]string{"provider"}, nil),
		circuitTrips: prometheus.NewDesc(name("circuit_trips_total"),
			"Total number of times any circuit opened", nil, nil),
		providerWeight: prometheus.NewDesc(name("provider_weight"),
			"Computed selection weight",
			[]string{"provider"}, nil),
		providerHealthy: prometheus.NewDesc(name("provider_healthy"),
			"Provider health (1=healthy, 0=unhealthy)",
			[]string{"provider"}, nil),
		providerLatency: prometheus.NewDesc(name("provider_p95_latency_seconds"),
			"95th percentile latency over the sliding window",
			[]string{"provider"}, nil),
		inFlight: prometheus.NewDesc(name("provider_in_flight"),
			"Requests currently holding a provider concurrency slot",
			[]string{"provider"}, nil),
		queuePending: prometheus.NewDesc(name("queue_pending"),
			"Queued tasks waiting for admission",
			[]string{"provider", "priority"}, nil),
		queueRejected: prometheus.NewDesc(name("queue_rejected_total"),
			"Tasks rejected because the queue was full",
			[]string{"provider"}, nil),
		queueTimedOut: prometheus.NewDesc(name("queue_timed_out_total"),
			"Tasks that timed out while queued",
			[]string{"provider"}, nil),
		failover: prometheus.NewDesc(name("failover_events_total"),
			"Failover coordinator outcomes",
			[]string{"event"}, nil),
		hedging: prometheus.NewDesc(name("hedge_events_total"),
			"Hedging executor outcomes",
			[]string{"event"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (sc *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.circuitState
	ch <- sc.circuitTrips
	ch <- sc.providerWeight
	ch <- sc.providerHealthy
	ch <- sc.providerLatency
	ch <- sc.inFlight
	ch <- sc.queuePending
	ch <- sc.queueRejected
	ch <- sc.queueTimedOut
	ch <- sc.failover
	ch <- sc.hedging
}

// Collect implements prometheus.Collector.
func (sc *StateCollector) Collect(ch chan<- prometheus.Metric) {
	stats := sc.source.Stats()

	for _, c := range stats.Circuits {
		ch <- prometheus.MustNewConstMetric(sc.circuitState, prometheus.GaugeValue, float64(c.State), c.Provider)
	}
	ch <- prometheus.MustNewConstMetric(sc.circuitTrips, prometheus.CounterValue, float64(stats.CircuitTrips))

	for _, p := range stats.Balancer.Providers {
		healthy := 0.0
		if p.Healthy {
			healthy = 1
		}
		ch <- prometheus.MustNewConstMetric(sc.providerWeight, prometheus.GaugeValue, p.ComputedWeight, p.ID)
		ch <- prometheus.MustNewConstMetric(sc.providerHealthy, prometheus.GaugeValue, healthy, p.ID)
		ch <- prometheus.MustNewConstMetric(sc.providerLatency, prometheus.GaugeValue, p.P95Latency.Seconds(), p.ID)
		ch <- prometheus.MustNewConstMetric(sc.inFlight, prometheus.GaugeValue, float64(p.CurrentConcurrent), p.ID)
	}

	for _, q := range stats.Queues {
		ch <- prometheus.MustNewConstMetric(sc.queuePending, prometheus.GaugeValue, float64(q.PendingHigh), q.Provider, "high")
		ch <- prometheus.MustNewConstMetric(sc.queuePending, prometheus.GaugeValue, float64(q.PendingNormal), q.Provider, "normal")
		ch <- prometheus.MustNewConstMetric(sc.queuePending, prometheus.GaugeValue, float64(q.PendingLow), q.Provider, "low")
		ch <- prometheus.MustNewConstMetric(sc.queueRejected, prometheus.CounterValue, float64(q.Rejected), q.Provider)
		ch <- prometheus.MustNewConstMetric(sc.queueTimedOut, prometheus.CounterValue, float64(q.TimedOut), q.Provider)
	}

	fo := stats.Failover
	for event, v := range map[string]int64{
		"attempt":                fo.Attempts,
		"success":                fo.Successes,
		"failover":               fo.Failovers,
		"exhausted":              fo.Exhausted,
		"non_retryable":          fo.NonRetryable,
		"circuit_rejection":      fo.CircuitRejections,
		"stream_restart":         fo.StreamRestarts,
		"stream_boundary_failed": fo.StreamBoundaryFailures,
	} {
		ch <- prometheus.MustNewConstMetric(sc.failover, prometheus.CounterValue, float64(v), event)
	}

	h := stats.Hedging
	for event, v := range map[string]int64{
		"request":                h.Requests,
		"unhedged":               h.Unhedged,
		"primary_win":            h.PrimaryWins,
		"hedge_win":              h.HedgeWins,
		"hedge_launched":         h.HedgesLaunched,
		"cancelled_before_start": h.CancelledBeforeStart,
		"all_failed":             h.AllFailed,
	} {
		ch <- prometheus.MustNewConstMetric(sc.hedging, prometheus.CounterValue, float64(v), event)
	}
}
