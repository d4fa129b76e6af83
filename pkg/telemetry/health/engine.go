package health

import (
	"context"
	"errors"
	"fmt"

	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/routing/circuit"
)

var (
	// ErrNoRoutableProvider is reported when every provider is unhealthy
	// or has an open circuit.
	ErrNoRoutableProvider = errors.New("no healthy provider with a closed circuit")
)

// Readiness is implemented by *engine.Engine.
type Readiness interface {
	Ready() bool
}

// StatsSource is implemented by *engine.Engine.
type StatsSource interface {
	Stats() engine.Stats
}

// RoutingCheck fails when the engine cannot route to any provider.
func RoutingCheck(r Readiness) CheckFunc {
	return func(ctx context.Context) error {
		if !r.Ready() {
			return ErrNoRoutableProvider
		}
		return nil
	}
}

// CircuitCheck fails when at least one circuit is open. Register it as an
// advisory check: a single open circuit degrades capacity without stopping
// traffic.
func CircuitCheck(src StatsSource) CheckFunc {
	return func(ctx context.Context) error {
		var open []string
		for _, st := range src.Stats().Circuits {
			if st.State == circuit.StateOpen {
				open = append(open, st.Provider)
			}
		}
		if len(open) > 0 {
			return fmt.Errorf("open circuits: %v", open)
		}
		return nil
	}
}

// RegisterEngineChecks registers the standard checks for eng: "routing"
// (critical) and "circuits" (advisory).
func RegisterEngineChecks(c *Checker, eng interface {
	Readiness
	StatsSource
}) {
	c.RegisterCheck("routing", RoutingCheck(eng))
	c.RegisterAdvisoryCheck("circuits", CircuitCheck(eng))
}
