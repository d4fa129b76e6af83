package routing

import (
	"fmt"
	"strings"
	"time"
)

// Strategy names a provider selection algorithm.
type Strategy string

const (
	// StrategyWeighted draws a provider at random, proportional to its
	// computed weight.
	StrategyWeighted Strategy = "weighted"

	// StrategyLatency picks the provider with the lowest P95 latency.
	StrategyLatency Strategy = "latency"

	// StrategyCost picks the provider with the lowest cost per unit.
	StrategyCost Strategy = "cost"

	// StrategyRoundRobin picks the least recently used provider.
	StrategyRoundRobin Strategy = "roundrobin"
)

// Strategies returns every supported strategy name.
func Strategies() []string {
	return []string{
		string(StrategyWeighted),
		string(StrategyLatency),
		string(StrategyCost),
		string(StrategyRoundRobin),
	}
}

// ParseStrategy converts a strategy name. An empty string yields "".
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case StrategyWeighted:
		return StrategyWeighted, nil
	case StrategyLatency:
		return StrategyLatency, nil
	case StrategyCost:
		return StrategyCost, nil
	case StrategyRoundRobin, "round-robin", "round_robin":
		return StrategyRoundRobin, nil
	default:
		return "", &InvalidStrategyError{Strategy: s, AvailableStrategies: Strategies()}
	}
}

// Config contains load balancer settings.
type Config struct {
	// Strategy is the default selection strategy. Default: weighted
	Strategy Strategy

	// RecomputeInterval is the period of the weight recompute loop.
	// Default: 10s
	RecomputeInterval time.Duration

	// MinSamples is the number of latency samples a provider needs before
	// its weight is adjusted. Default: 5
	MinSamples int

	// LatencyWindow is the number of recent latencies kept per provider.
	// Default: 100
	LatencyWindow int

	// DefaultMaxConcurrent applies to providers registered without a cap.
	// Default: 50
	DefaultMaxConcurrent int
}

// DefaultConfig returns the default balancer settings.
func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyWeighted,
		RecomputeInterval:    10 * time.Second,
		MinSamples:           5,
		LatencyWindow:        100,
		DefaultMaxConcurrent: 50,
	}
}

// ProviderConfig is the static configuration of a registered provider.
type ProviderConfig struct {
	// Weight is the manual weight multiplier. Zero means 1; a negative
	// value sets a base weight of 0.
	Weight float64

	// CostPerUnit is the relative cost score.
	CostPerUnit float64

	// MaxConcurrent caps in-flight selections. Zero uses the balancer default.
	MaxConcurrent int

	// Capabilities lists the models the provider serves. Empty means any.
	Capabilities []string

	// Priority orders failover targets; higher is preferred.
	Priority int

	// Unhealthy registers the provider as unhealthy.
	Unhealthy bool
}

// SelectRequest describes one selection.
type SelectRequest struct {
	// Model filters providers by capability. Empty matches every provider.
	Model string

	// Strategy overrides the configured strategy when non-empty.
	Strategy Strategy

	// Candidates restricts selection to these ids. Nil means all.
	Candidates []string

	// Exclude rejects providers the caller cannot use right now, such as
	// providers with an open circuit or a full queue.
	Exclude func(id string) bool
}

// ProviderSnapshot is a point-in-time copy of a provider record.
type ProviderSnapshot struct {
	ID                string        `json:"id"`
	BaseWeight        float64       `json:"base_weight"`
	ComputedWeight    float64       `json:"computed_weight"`
	AvgLatency        time.Duration `json:"avg_latency"`
	P95Latency        time.Duration `json:"p95_latency"`
	Samples           int           `json:"samples"`
	SuccessCount      int64         `json:"success_count"`
	ErrorCount        int64         `json:"error_count"`
	TotalRequests     int64         `json:"total_requests"`
	SuccessRate       float64       `json:"success_rate"`
	TotalUnits        int64         `json:"total_units"`
	CostPerUnit       float64       `json:"cost_per_unit"`
	Healthy           bool          `json:"healthy"`
	MaxConcurrent     int           `json:"max_concurrent"`
	CurrentConcurrent int           `json:"current_concurrent"`
	Capabilities      []string      `json:"capabilities,omitempty"`
	Priority          int           `json:"priority"`
	LastUsed          time.Time     `json:"last_used,omitempty"`
}

// String implements fmt.Stringer for log output.
func (p ProviderSnapshot) String() string {
	return fmt.Sprintf("%s(weight=%.3f, p95=%s, inflight=%d/%d)",
		p.ID, p.ComputedWeight, p.P95Latency, p.CurrentConcurrent, p.MaxConcurrent)
}

// BalancerStats is a snapshot of the balancer.
type BalancerStats struct {
	Strategy  Strategy           `json:"strategy"`
	Providers []ProviderSnapshot `json:"providers"`
	Selection *RoutingStats      `json:"selection"`
}

// RoutingStats contains statistics about selection decisions.
type RoutingStats struct {
	// TotalSelections is the number of successful selections.
	TotalSelections int64 `json:"total_selections"`

	// SelectionsPerProvider tracks selections per provider.
	SelectionsPerProvider map[string]int64 `json:"selections_per_provider"`

	// StrategyUseCount tracks the strategy that actually made each selection.
	StrategyUseCount map[string]int64 `json:"strategy_use_count"`

	// NoProviderCount is the number of selections with no eligible provider.
	NoProviderCount int64 `json:"no_provider_count"`

	// FallbackCount is the number of selections that fell back to another
	// strategy (latency without samples, weighted with zero total weight).
	FallbackCount int64 `json:"fallback_count"`

	// Since is when counting started.
	Since time.Time `json:"since"`
}
