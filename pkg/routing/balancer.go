package routing

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

type providerRecord struct {
	id                string
	baseWeight        float64
	computedWeight    float64
	latencies         *latencyWindow
	successCount      int64
	errorCount        int64
	totalRequests     int64
	totalUnits        int64
	costPerUnit       float64
	healthy           bool
	configUnhealthy   bool
	maxConcurrent     int
	currentConcurrent int
	capabilities      map[string]struct{}
	priority          int
	lastUsed          time.Time
}

func (r *providerRecord) successRate() float64 {
	if r.totalRequests == 0 {
		return 1
	}
	return float64(r.successCount) / float64(r.totalRequests)
}

// Balancer keeps rolling performance statistics per provider and selects
// providers by strategy.
//
// Records are created by RegisterProvider and are never removed. Weights
// are recomputed on a timer (see Start) and after every health change;
// a recompute racing with RecordResult may use slightly stale counters.
type Balancer struct {
	config Config
	now    func() time.Time
	random func() float64
	logger *slog.Logger
	stats  *AtomicRoutingStats

	mu      sync.Mutex
	records map[string]*providerRecord
	order   []string // registration order

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) { b.now = now }
}

// WithRandom replaces the [0,1) source used by weighted selection.
func WithRandom(random func() float64) Option {
	return func(b *Balancer) { b.random = random }
}

// WithLogger sets the balancer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Balancer) { b.logger = logger }
}

// NewBalancer creates a Balancer. Zero fields in cfg fall back to
// DefaultConfig.
func NewBalancer(cfg Config, opts ...Option) *Balancer {
	defaults := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = defaults.Strategy
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = defaults.RecomputeInterval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaults.MinSamples
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = defaults.LatencyWindow
	}
	if cfg.DefaultMaxConcurrent <= 0 {
		cfg.DefaultMaxConcurrent = defaults.DefaultMaxConcurrent
	}

	b := &Balancer{
		config:  cfg,
		now:     time.Now,
		random:  rand.Float64,
		stats:   NewAtomicRoutingStats(),
		records: make(map[string]*providerRecord),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default().With("component", "routing.balancer")
	}
	return b
}

// RegisterProvider adds a provider or updates an existing one's
// configuration. Re-registering keeps every counter, latency sample, and
// the in-flight count. The health flag of an existing provider only follows
// cfg.Unhealthy when that value changes, so a flag set through
// SetProviderHealth survives an unchanged re-registration.
func (b *Balancer) RegisterProvider(id string, cfg ProviderConfig) {
	weight := cfg.Weight
	if weight == 0 {
		weight = 1
	}
	if weight < 0 {
		weight = 0
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = b.config.DefaultMaxConcurrent
	}
	var caps map[string]struct{}
	if len(cfg.Capabilities) > 0 {
		caps = make(map[string]struct{}, len(cfg.Capabilities))
		for _, model := range cfg.Capabilities {
			caps[model] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, exists := b.records[id]
	if !exists {
		rec = &providerRecord{
			id:             id,
			computedWeight: weight,
			latencies:      newLatencyWindow(b.config.LatencyWindow),
		}
		b.records[id] = rec
		b.order = append(b.order, id)
	}

	rec.baseWeight = weight
	rec.costPerUnit = cfg.CostPerUnit
	rec.maxConcurrent = maxConcurrent
	rec.capabilities = caps
	rec.priority = cfg.Priority
	if !exists || cfg.Unhealthy != rec.configUnhealthy {
		rec.healthy = !cfg.Unhealthy
	}
	rec.configUnhealthy = cfg.Unhealthy

	if rec.latencies.len() < b.config.MinSamples {
		rec.computedWeight = weight
	}

	b.logger.Info("provider registered",
		"provider", id,
		"weight", weight,
		"max_concurrent", maxConcurrent,
		"priority", cfg.Priority,
		"updated", exists,
	)
}

// RecordResult records the outcome of a call to id and releases the
// in-flight slot taken at selection. Only successful latencies enter the
// latency window. Unknown ids are ignored.
func (b *Balancer) RecordResult(id string, latency time.Duration, success bool, units int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok {
		return
	}

	rec.totalRequests++
	if success {
		rec.successCount++
		rec.latencies.add(latency)
	} else {
		rec.errorCount++
	}
	if units > 0 {
		rec.totalUnits += int64(units)
	}
	if rec.currentConcurrent > 0 {
		rec.currentConcurrent--
	}
}

// SelectProvider picks a provider serving model using strategy (or the
// configured strategy when empty). The second result is false when no
// provider is eligible.
func (b *Balancer) SelectProvider(model string, strategy Strategy) (ProviderSnapshot, bool) {
	snap, err := b.SelectFrom(SelectRequest{Model: model, Strategy: strategy})
	return snap, err == nil
}

// SelectFrom picks a provider for req and takes one of its in-flight slots.
// The caller must release the slot with RecordResult or Release.
func (b *Balancer) SelectFrom(req SelectRequest) (ProviderSnapshot, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = b.config.Strategy
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pool := b.eligibleLocked(req)
	if len(pool) == 0 {
		b.stats.IncrementNoProvider()
		considered := req.Candidates
		if considered == nil {
			considered = append([]string(nil), b.order...)
		}
		return ProviderSnapshot{}, &NoProviderAvailableError{Model: req.Model, Candidates: considered}
	}

	rec, used := b.pickLocked(pool, strategy)
	rec.currentConcurrent++
	rec.lastUsed = b.now()
	b.stats.RecordSelection(rec.id, used)

	b.logger.Debug("provider selected",
		"provider", rec.id,
		"strategy", string(used),
		"weight", rec.computedWeight,
		"eligible", len(pool),
	)
	return b.snapshotLocked(rec), nil
}

// Acquire takes an in-flight slot on id without running selection. It
// fails for unknown providers and providers at their cap.
func (b *Balancer) Acquire(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok || rec.currentConcurrent >= rec.maxConcurrent {
		return false
	}
	rec.currentConcurrent++
	rec.lastUsed = b.now()
	return true
}

// Release returns an in-flight slot without recording an outcome, for
// selections that never reached the provider.
func (b *Balancer) Release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec, ok := b.records[id]; ok && rec.currentConcurrent > 0 {
		rec.currentConcurrent--
	}
}

// SetProviderHealth marks id healthy or unhealthy and recomputes weights.
func (b *Balancer) SetProviderHealth(id string, healthy bool) error {
	b.mu.Lock()
	rec, ok := b.records[id]
	if !ok {
		available := append([]string(nil), b.order...)
		b.mu.Unlock()
		return &ProviderNotFoundError{ProviderName: id, AvailableProviders: available}
	}
	changed := rec.healthy != healthy
	rec.healthy = healthy
	b.recomputeLocked()
	b.mu.Unlock()

	if changed {
		b.logger.Info("provider health changed", "provider", id, "healthy", healthy)
	}
	return nil
}

// RecomputeWeights recomputes every provider's computed weight.
func (b *Balancer) RecomputeWeights() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recomputeLocked()
}

// Rank orders ids for failover: priority descending, then computed weight
// descending, then success rate descending, then id. Unregistered ids keep
// their relative order after all registered ones.
func (b *Balancer) Rank(ids []string) []string {
	b.mu.Lock()
	known := make([]*providerRecord, 0, len(ids))
	var unknown []string
	for _, id := range ids {
		if rec, ok := b.records[id]; ok {
			cp := *rec
			known = append(known, &cp)
		} else {
			unknown = append(unknown, id)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(known, func(i, j int) bool {
		a, c := known[i], known[j]
		if a.priority != c.priority {
			return a.priority > c.priority
		}
		if a.computedWeight != c.computedWeight {
			return a.computedWeight > c.computedWeight
		}
		if sa, sc := a.successRate(), c.successRate(); sa != sc {
			return sa > sc
		}
		return a.id < c.id
	})

	out := make([]string, 0, len(ids))
	for _, rec := range known {
		out = append(out, rec.id)
	}
	return append(out, unknown...)
}

// Provider returns the snapshot for id.
func (b *Balancer) Provider(id string) (ProviderSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok {
		return ProviderSnapshot{}, false
	}
	return b.snapshotLocked(rec), true
}

// Routable reports whether id is registered, healthy, and serves model.
// Unlike selection it ignores the concurrency cap.
func (b *Balancer) Routable(id, model string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	return ok && rec.healthy && rec.supports(model)
}

// Providers returns registered provider ids in registration order.
func (b *Balancer) Providers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Strategy returns the configured default strategy.
func (b *Balancer) Strategy() Strategy {
	return b.config.Strategy
}

// Stats returns a snapshot of every provider and the selection counters.
func (b *Balancer) Stats() BalancerStats {
	b.mu.Lock()
	snaps := make([]ProviderSnapshot, 0, len(b.order))
	for _, id := range b.order {
		snaps = append(snaps, b.snapshotLocked(b.records[id]))
	}
	b.mu.Unlock()

	return BalancerStats{
		Strategy:  b.config.Strategy,
		Providers: snaps,
		Selection: b.stats.Snapshot(),
	}
}

// Start launches the periodic weight recompute loop. It runs until ctx is
// cancelled or Stop is called. Calling Start twice is a no-op.
func (b *Balancer) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.stopCh != nil {
		return
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)

		ticker := time.NewTicker(b.config.RecomputeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				b.RecomputeWeights()
			}
		}
	}(b.stopCh, b.doneCh)
}

// Stop halts the recompute loop and waits for it to exit.
func (b *Balancer) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.stopCh == nil {
		return
	}
	close(b.stopCh)
	<-b.doneCh
	b.stopCh = nil
	b.doneCh = nil
}

// recomputeLocked rewrites computedWeight for every provider.
//
// Providers with fewer than MinSamples latencies keep their base weight.
// The rest score 0.4*latency + 0.4*success + 0.2*cost, scaled by base
// weight, with x0.1 when unhealthy and x0.5 at 80% of their concurrency cap.
// Caller must hold b.mu.
func (b *Balancer) recomputeLocked() {
	minAvg, maxAvg := time.Duration(-1), time.Duration(0)
	for _, rec := range b.records {
		if rec.latencies.len() < b.config.MinSamples {
			continue
		}
		avg := rec.latencies.avg()
		if minAvg < 0 || avg < minAvg {
			minAvg = avg
		}
		if avg > maxAvg {
			maxAvg = avg
		}
	}

	for _, rec := range b.records {
		if rec.latencies.len() < b.config.MinSamples {
			rec.computedWeight = rec.baseWeight
			continue
		}

		latencyScore := 1.0
		if maxAvg > minAvg {
			latencyScore = 1 - float64(rec.latencies.avg()-minAvg)/float64(maxAvg-minAvg)
		}
		successScore := rec.successRate()
		costScore := 1 / (rec.costPerUnit + 0.1)

		weight := (0.4*latencyScore + 0.4*successScore + 0.2*costScore) * rec.baseWeight
		if !rec.healthy {
			weight *= 0.1
		}
		if float64(rec.currentConcurrent) >= 0.8*float64(rec.maxConcurrent) {
			weight *= 0.5
		}
		rec.computedWeight = weight
	}
}

func (b *Balancer) snapshotLocked(rec *providerRecord) ProviderSnapshot {
	var caps []string
	if len(rec.capabilities) > 0 {
		caps = make([]string, 0, len(rec.capabilities))
		for model := range rec.capabilities {
			caps = append(caps, model)
		}
		sort.Strings(caps)
	}

	return ProviderSnapshot{
		ID:                rec.id,
		BaseWeight:        rec.baseWeight,
		ComputedWeight:    rec.computedWeight,
		AvgLatency:        rec.latencies.avg(),
		P95Latency:        rec.latencies.p95(),
		Samples:           rec.latencies.len(),
		SuccessCount:      rec.successCount,
		ErrorCount:        rec.errorCount,
		TotalRequests:     rec.totalRequests,
		SuccessRate:       rec.successRate(),
		TotalUnits:        rec.totalUnits,
		CostPerUnit:       rec.costPerUnit,
		Healthy:           rec.healthy,
		MaxConcurrent:     rec.maxConcurrent,
		CurrentConcurrent: rec.currentConcurrent,
		Capabilities:      caps,
		Priority:          rec.priority,
		LastUsed:          rec.lastUsed,
	}
}
