package metrics

import (
	"strings"
	"sync"
	"time"

	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing/circuit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector is the central metrics collector for the routing engine. It
// implements engine.Observer, so it can be passed to engine.WithObserver,
// and serves the registry through Handler.
//
// Counters and histograms are updated as the engine reports events. Gauges
// describing current engine state (circuit states, weights, queue depth) are
// read from the engine on every scrape once RegisterEngine is called.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	requestMetrics  *RequestMetrics
	providerMetrics *ProviderMetrics

	stateOnce sync.Once

	// Failover pairs grow with the square of the provider count.
	cardinalityLimiter *CardinalityLimiter
}

var _ engine.Observer = (*Collector)(nil)

// NewCollector creates a collector registering into registry. If registry
// is nil a new one is created, pre-populated with the Go runtime and process
// collectors.
//
// Example:
//
//	cfg := &config.MetricsConfig{Enabled: true, Namespace: "relay"}
//	collector := metrics.NewCollector(cfg, nil)
//	eng, err := engine.New(engineCfg, exec, engine.WithObserver(collector))
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if cfg == nil {
		cfg = &config.MetricsConfig{}
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "relay"
	}
	if len(cfg.RequestDurationBuckets) == 0 {
		// LLM calls run from a few hundred milliseconds to tens of seconds.
		cfg.RequestDurationBuckets = []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0}
	}

	c := &Collector{
		config:             cfg,
		registry:           registry,
		cardinalityLimiter: NewCardinalityLimiter(1000),
	}
	c.requestMetrics = NewRequestMetrics(cfg, registry)
	c.providerMetrics = NewProviderMetrics(cfg, registry)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RegisterEngine exposes the live state of src on every scrape. Only the
// first call has an effect.
func (c *Collector) RegisterEngine(src StatsSource) {
	c.stateOnce.Do(func() {
		c.registry.MustRegister(NewStateCollector(c.config, src))
	})
}

// ObserveRequest records one engine entry-point call.
func (c *Collector) ObserveRequest(mode engine.Mode, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.requestMetrics.RecordError(string(mode), providers.ErrorType(err))
	}
	c.requestMetrics.RecordRequest(string(mode), status, latency)
}

// ObserveAttempt records one upstream attempt.
func (c *Collector) ObserveAttempt(provider string, latency time.Duration, err error) {
	if err != nil {
		c.providerMetrics.RecordAttempt(provider, "error", latency)
		c.providerMetrics.RecordError(provider, providers.ErrorType(err))
		return
	}
	c.providerMetrics.RecordAttempt(provider, "success", latency)
}

// ObserveFailover records a move from one provider to another.
func (c *Collector) ObserveFailover(from, to string) {
	if !c.cardinalityLimiter.Allow(from + "\x00" + to) {
		from, to = "other", "other"
	}
	c.providerMetrics.RecordFailover(from, to)
}

// ObserveCircuitChange records a circuit transition.
func (c *Collector) ObserveCircuitChange(provider string, from, to circuit.State) {
	c.providerMetrics.RecordCircuitTransition(provider, stateLabel(from), stateLabel(to))
}

// stateLabel returns the lower-case label value for a circuit state.
func stateLabel(s circuit.State) string {
	return strings.ToLower(s.String())
}

// CardinalityLimiter caps the number of distinct label sets recorded for a
// metric. Label sets seen before the cap is reached stay allowed.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter allowing maxCardinality label sets.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether labelSet may be recorded, admitting it if there is
// room.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the number of admitted label sets.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
