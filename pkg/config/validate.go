package config

import (
	"fmt"
	"strings"

	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/telemetry/logging"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string `json:"field"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// simulationErrorKinds lists the accepted simulation.error_kind values.
var simulationErrorKinds = []string{"server_error", "rate_limit", "timeout", "connection", "auth", "validation"}

// Validate checks the whole configuration and returns a ValidationError
// holding every failed rule, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)
	errs = append(errs, validateCircuit(&cfg.Circuit)...)
	errs = append(errs, validateBalancer(&cfg.Balancer)...)
	errs = append(errs, validateQueue(&cfg.Queue)...)
	errs = append(errs, validateFailover(&cfg.Failover)...)
	errs = append(errs, validateHedging(&cfg.Hedging)...)
	errs = append(errs, validateProviders(cfg.Providers)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: "listen address is required"})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "read timeout must be positive"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "write timeout must be positive"})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.idle_timeout", Message: "idle timeout must be positive"})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "shutdown timeout must be positive"})
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_body_bytes", Message: "max body bytes must be non-negative"})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid log level %q (must be debug, info, warn, or error)", cfg.Logging.Level),
		})
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid log format %q (must be json or text)", cfg.Logging.Format),
		})
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "path must start with /"})
	}
	for i := 1; i < len(cfg.Metrics.RequestDurationBuckets); i++ {
		if cfg.Metrics.RequestDurationBuckets[i] <= cfg.Metrics.RequestDurationBuckets[i-1] {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.request_duration_buckets",
				Message: "buckets must be strictly increasing",
			})
			break
		}
	}

	if cfg.Health.CheckTimeout < 0 {
		errs = append(errs, FieldError{Field: "telemetry.health.check_timeout", Message: "check timeout must be positive"})
	}

	if Enabled(cfg.Reporter.Enabled, true) {
		if _, err := cron.ParseStandard(cfg.Reporter.Schedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "telemetry.reporter.schedule",
				Message: fmt.Sprintf("invalid schedule %q: %v", cfg.Reporter.Schedule, err),
			})
		}
	}
	if cfg.Reporter.HistoryRetention < 0 {
		errs = append(errs, FieldError{Field: "telemetry.reporter.history_retention", Message: "retention must be non-negative"})
	}

	return errs
}

func validateCircuit(cfg *CircuitConfig) []FieldError {
	var errs []FieldError

	if cfg.FailureThreshold < 1 {
		errs = append(errs, FieldError{Field: "circuit.failure_threshold", Message: "must be at least 1"})
	}
	if cfg.SuccessThreshold < 1 {
		errs = append(errs, FieldError{Field: "circuit.success_threshold", Message: "must be at least 1"})
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "circuit.timeout", Message: "timeout must be positive"})
	}
	if cfg.MonitorInterval <= 0 {
		errs = append(errs, FieldError{Field: "circuit.monitor_interval", Message: "interval must be positive"})
	}

	return errs
}

func validateBalancer(cfg *BalancerConfig) []FieldError {
	var errs []FieldError

	if _, err := routing.ParseStrategy(cfg.Strategy); err != nil {
		errs = append(errs, FieldError{
			Field:   "balancer.strategy",
			Message: fmt.Sprintf("invalid strategy %q (must be one of: %s)", cfg.Strategy, strings.Join(routing.Strategies(), ", ")),
		})
	}
	if cfg.RecomputeInterval <= 0 {
		errs = append(errs, FieldError{Field: "balancer.recompute_interval", Message: "interval must be positive"})
	}
	if cfg.MinSamples < 1 {
		errs = append(errs, FieldError{Field: "balancer.min_samples", Message: "must be at least 1"})
	}
	if cfg.LatencyWindow < 1 {
		errs = append(errs, FieldError{Field: "balancer.latency_window", Message: "must be at least 1"})
	}
	if cfg.DefaultMaxConcurrent < 1 {
		errs = append(errs, FieldError{Field: "balancer.default_max_concurrent", Message: "must be at least 1"})
	}

	return errs
}

func validateQueue(cfg *QueueConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxQueueSize < 1 {
		errs = append(errs, FieldError{Field: "queue.max_queue_size", Message: "must be at least 1"})
	}
	if cfg.Window <= 0 {
		errs = append(errs, FieldError{Field: "queue.window", Message: "window must be positive"})
	}
	if cfg.RetryDelay <= 0 {
		errs = append(errs, FieldError{Field: "queue.retry_delay", Message: "delay must be positive"})
	}
	if cfg.DefaultTimeout <= 0 {
		errs = append(errs, FieldError{Field: "queue.default_timeout", Message: "timeout must be positive"})
	}
	if cfg.AttemptTimeout < 0 {
		errs = append(errs, FieldError{Field: "queue.attempt_timeout", Message: "timeout must be non-negative"})
	}

	return errs
}

func validateFailover(cfg *FailoverConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxRetries != nil && *cfg.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: "failover.max_retries", Message: "must be non-negative"})
	}
	if cfg.BufferSize < 0 {
		errs = append(errs, FieldError{Field: "failover.buffer_size", Message: "must be non-negative"})
	}

	return errs
}

func validateHedging(cfg *HedgingConfig) []FieldError {
	var errs []FieldError

	if cfg.Delay < 0 {
		errs = append(errs, FieldError{Field: "hedging.delay", Message: "delay must be non-negative"})
	}
	if cfg.MaxParallel < 1 {
		errs = append(errs, FieldError{Field: "hedging.max_parallel", Message: "must be at least 1"})
	}

	return errs
}

func validateProviders(ps []ProviderConfig) []FieldError {
	var errs []FieldError

	if len(ps) == 0 {
		return append(errs, FieldError{Field: "providers", Message: "at least one provider is required"})
	}

	seen := make(map[string]bool, len(ps))
	for i, p := range ps {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			errs = append(errs, FieldError{Field: prefix + ".id", Message: "id is required"})
		} else {
			prefix = fmt.Sprintf("providers.%s", p.ID)
			if seen[p.ID] {
				errs = append(errs, FieldError{Field: prefix + ".id", Message: "duplicate provider id"})
			}
			seen[p.ID] = true
		}

		if p.Weight != nil && *p.Weight < 0 {
			errs = append(errs, FieldError{Field: prefix + ".weight", Message: "weight must be non-negative"})
		}
		if p.CostPerUnit < 0 {
			errs = append(errs, FieldError{Field: prefix + ".cost_per_unit", Message: "cost must be non-negative"})
		}
		if p.MaxConcurrent < 0 {
			errs = append(errs, FieldError{Field: prefix + ".max_concurrent", Message: "must be non-negative"})
		}

		sim := p.Simulation
		if sim.ErrorRate < 0 || sim.ErrorRate > 1 {
			errs = append(errs, FieldError{Field: prefix + ".simulation.error_rate", Message: "must be between 0 and 1"})
		}
		if sim.MidStreamErrorRate < 0 || sim.MidStreamErrorRate > 1 {
			errs = append(errs, FieldError{Field: prefix + ".simulation.mid_stream_error_rate", Message: "must be between 0 and 1"})
		}
		if sim.Latency < 0 || sim.Jitter < 0 || sim.ChunkInterval < 0 {
			errs = append(errs, FieldError{Field: prefix + ".simulation", Message: "durations must be non-negative"})
		}
		if sim.Chunks < 0 || sim.Units < 0 {
			errs = append(errs, FieldError{Field: prefix + ".simulation", Message: "chunks and units must be non-negative"})
		}
		if sim.ErrorKind != "" && !contains(simulationErrorKinds, sim.ErrorKind) {
			errs = append(errs, FieldError{
				Field:   prefix + ".simulation.error_kind",
				Message: fmt.Sprintf("invalid error kind %q (must be one of: %s)", sim.ErrorKind, strings.Join(simulationErrorKinds, ", ")),
			})
		}
	}

	return errs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
