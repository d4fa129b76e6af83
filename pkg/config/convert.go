package config

import (
	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/limits/queue"
	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/routing/circuit"
	"mercator-hq/relay/pkg/routing/failover"
	"mercator-hq/relay/pkg/routing/hedging"
	"mercator-hq/relay/pkg/telemetry/logging"
)

// EngineConfig converts the routing sections to an engine configuration.
// The strategy must already be validated.
func (c *Config) EngineConfig() engine.Config {
	strategy, _ := routing.ParseStrategy(c.Balancer.Strategy)
	if strategy == "" {
		strategy = routing.StrategyWeighted
	}

	maxRetries := DefaultMaxRetries
	if c.Failover.MaxRetries != nil {
		maxRetries = *c.Failover.MaxRetries
	}

	return engine.Config{
		Circuit: circuit.Config{
			FailureThreshold: c.Circuit.FailureThreshold,
			SuccessThreshold: c.Circuit.SuccessThreshold,
			Timeout:          c.Circuit.Timeout,
			MonitorInterval:  c.Circuit.MonitorInterval,
		},
		Balancer: routing.Config{
			Strategy:             strategy,
			RecomputeInterval:    c.Balancer.RecomputeInterval,
			MinSamples:           c.Balancer.MinSamples,
			LatencyWindow:        c.Balancer.LatencyWindow,
			DefaultMaxConcurrent: c.Balancer.DefaultMaxConcurrent,
		},
		Queue: queue.Config{
			MaxQueueSize:      c.Queue.MaxQueueSize,
			MaxConcurrent:     c.Balancer.DefaultMaxConcurrent,
			RequestsPerMinute: c.Queue.RequestsPerMinute,
			Window:            c.Queue.Window,
			RetryDelay:        c.Queue.RetryDelay,
			DefaultTimeout:    c.Queue.DefaultTimeout,
		},
		Failover: failover.Config{
			MaxRetries: maxRetries,
			BufferSize: c.Failover.BufferSize,
		},
		Hedging: hedging.Config{
			Enabled:     Enabled(c.Hedging.Enabled, true),
			Delay:       c.Hedging.Delay,
			MaxParallel: c.Hedging.MaxParallel,
		},
		AttemptTimeout: c.Queue.AttemptTimeout,
	}
}

// EngineProviders converts the provider list for engine.ApplyConfig.
func (c *Config) EngineProviders() []engine.ProviderConfig {
	out := make([]engine.ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, engine.ProviderConfig{
			ID:                p.ID,
			Weight:            engineWeight(p.Weight),
			CostPerUnit:       p.CostPerUnit,
			MaxConcurrent:     p.MaxConcurrent,
			RequestsPerMinute: p.RequestsPerMinute,
			Capabilities:      p.Capabilities,
			Priority:          p.Priority,
			Unhealthy:         !Enabled(p.Healthy, true),
		})
	}
	return out
}

// engineWeight maps a configured weight onto the engine's convention, where
// zero means the default and a negative value means a zero weight.
func engineWeight(w *float64) float64 {
	switch {
	case w == nil:
		return 0
	case *w == 0:
		return -1
	default:
		return *w
	}
}

// LogConfig converts the logging section for logging.New.
func (c *Config) LogConfig() logging.Config {
	return logging.Config{
		Level:         c.Telemetry.Logging.Level,
		Format:        c.Telemetry.Logging.Format,
		AddSource:     c.Telemetry.Logging.AddSource,
		RedactSecrets: Enabled(c.Telemetry.Logging.RedactSecrets, true),
	}
}
