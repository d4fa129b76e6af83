package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// AtomicRoutingStats implements thread-safe selection statistics using atomic operations.
type AtomicRoutingStats struct {
	totalSelections atomic.Int64

	// selectionsPerProvider tracks selections per provider
	selectionsPerProvider sync.Map // map[string]*atomic.Int64

	// strategyUseCount tracks how many times each strategy made the pick
	strategyUseCount sync.Map // map[string]*atomic.Int64

	noProviderCount atomic.Int64
	fallbackCount   atomic.Int64

	since time.Time
}

// NewAtomicRoutingStats creates a new atomic routing statistics tracker.
func NewAtomicRoutingStats() *AtomicRoutingStats {
	return &AtomicRoutingStats{
		since: time.Now(),
	}
}

// RecordSelection counts a selection of provider by strategy.
func (s *AtomicRoutingStats) RecordSelection(provider string, strategy Strategy) {
	s.totalSelections.Add(1)
	increment(&s.selectionsPerProvider, provider)
	increment(&s.strategyUseCount, string(strategy))
}

// IncrementNoProvider counts a selection that found no eligible provider.
func (s *AtomicRoutingStats) IncrementNoProvider() {
	s.noProviderCount.Add(1)
}

// IncrementFallback counts a strategy fallback.
func (s *AtomicRoutingStats) IncrementFallback() {
	s.fallbackCount.Add(1)
}

// Snapshot returns a point-in-time snapshot of the statistics.
func (s *AtomicRoutingStats) Snapshot() *RoutingStats {
	return &RoutingStats{
		TotalSelections:       s.totalSelections.Load(),
		SelectionsPerProvider: collect(&s.selectionsPerProvider),
		StrategyUseCount:      collect(&s.strategyUseCount),
		NoProviderCount:       s.noProviderCount.Load(),
		FallbackCount:         s.fallbackCount.Load(),
		Since:                 s.since,
	}
}

func increment(m *sync.Map, key string) {
	val, _ := m.LoadOrStore(key, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

func collect(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}
