package routing

// pickLocked applies strategy to a non-empty eligible pool and returns the
// chosen record plus the strategy that actually decided.
// Caller must hold the balancer lock.
func (b *Balancer) pickLocked(pool []*providerRecord, strategy Strategy) (*providerRecord, Strategy) {
	switch strategy {
	case StrategyLatency:
		if rec := b.lowestLatency(pool); rec != nil {
			return rec, StrategyLatency
		}
		b.stats.IncrementFallback()
		return b.weighted(pool)

	case StrategyCost:
		return lowestCost(pool), StrategyCost

	case StrategyRoundRobin:
		return leastRecentlyUsed(pool), StrategyRoundRobin

	default:
		return b.weighted(pool)
	}
}

// weighted draws a record with probability proportional to its computed
// weight. A zero total falls back to round robin.
func (b *Balancer) weighted(pool []*providerRecord) (*providerRecord, Strategy) {
	var total float64
	for _, rec := range pool {
		total += rec.computedWeight
	}
	if total <= 0 {
		b.stats.IncrementFallback()
		return leastRecentlyUsed(pool), StrategyRoundRobin
	}

	target := b.random() * total
	for _, rec := range pool {
		if rec.computedWeight <= 0 {
			continue
		}
		target -= rec.computedWeight
		if target < 0 {
			return rec, StrategyWeighted
		}
	}

	// Float rounding can leave target at ~0 after the loop.
	for i := len(pool) - 1; i >= 0; i-- {
		if pool[i].computedWeight > 0 {
			return pool[i], StrategyWeighted
		}
	}
	return pool[0], StrategyWeighted
}

// lowestLatency returns the record with the smallest P95 latency among
// those with at least MinSamples samples, or nil if none qualify.
func (b *Balancer) lowestLatency(pool []*providerRecord) *providerRecord {
	var best *providerRecord
	var bestP95 int64
	for _, rec := range pool {
		if rec.latencies.len() < b.config.MinSamples {
			continue
		}
		p95 := int64(rec.latencies.p95())
		if best == nil || p95 < bestP95 {
			best, bestP95 = rec, p95
		}
	}
	return best
}

func lowestCost(pool []*providerRecord) *providerRecord {
	best := pool[0]
	for _, rec := range pool[1:] {
		if rec.costPerUnit < best.costPerUnit {
			best = rec
		}
	}
	return best
}

// leastRecentlyUsed returns the record with the oldest lastUsed; never-used
// records come first.
func leastRecentlyUsed(pool []*providerRecord) *providerRecord {
	best := pool[0]
	for _, rec := range pool[1:] {
		if rec.lastUsed.Before(best.lastUsed) {
			best = rec
		}
	}
	return best
}
