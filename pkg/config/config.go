package config

import "time"

// Config is the root configuration of the router.
type Config struct {
	// Server configures the admin HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Telemetry configures logging, metrics, health and the stats reporter.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Circuit configures the per-provider circuit breakers.
	Circuit CircuitConfig `yaml:"circuit"`

	// Balancer configures provider selection.
	Balancer BalancerConfig `yaml:"balancer"`

	// Queue configures per-provider admission.
	Queue QueueConfig `yaml:"queue"`

	// Failover configures retries across providers.
	Failover FailoverConfig `yaml:"failover"`

	// Hedging configures speculative execution.
	Hedging HedgingConfig `yaml:"hedging"`

	// Providers lists the upstream providers. Order is not significant;
	// use priority to order failover targets.
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig contains admin HTTP server settings.
type ServerConfig struct {
	// ListenAddress is the address the server binds to.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response. Streamed
	// execute responses are bounded by it too.
	// Default: 5m
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps request bodies on the execute endpoint.
	// Default: 1MB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// TelemetryConfig groups the observability settings.
type TelemetryConfig struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Health   HealthConfig   `yaml:"health"`
	Reporter ReporterConfig `yaml:"reporter"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is json or text ("console" is accepted as text).
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line in records.
	AddSource bool `yaml:"add_source"`

	// RedactSecrets masks credentials echoed in error messages.
	// Default: true
	RedactSecrets *bool `yaml:"redact_secrets"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Enabled mounts the metrics endpoint.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Path is the HTTP path of the metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "relay"
	Namespace string `yaml:"namespace"`

	// Subsystem is an optional second name component.
	Subsystem string `yaml:"subsystem"`

	// RequestDurationBuckets are the latency histogram buckets in seconds.
	// Default: [0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60]
	RequestDurationBuckets []float64 `yaml:"request_duration_buckets"`
}

// HealthConfig contains readiness check settings.
type HealthConfig struct {
	// CheckTimeout bounds each readiness check.
	// Default: 2s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// ReporterConfig contains the periodic stats log settings.
type ReporterConfig struct {
	// Enabled turns the reporter on.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Schedule is a cron expression or descriptor.
	// Default: "@every 1m"
	Schedule string `yaml:"schedule"`

	// HistoryPath is a SQLite file that receives a per-provider snapshot
	// on every report. Empty disables history.
	HistoryPath string `yaml:"history_path"`

	// HistoryRetention is how long snapshots are kept. Zero keeps them
	// forever.
	// Default: 24h
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// CircuitConfig contains circuit breaker settings.
type CircuitConfig struct {
	// FailureThreshold is the consecutive failures that open a circuit.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is the half-open successes that close it again.
	// Default: 3
	SuccessThreshold int `yaml:"success_threshold"`

	// Timeout is how long a circuit stays open after its last failure.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// MonitorInterval is the period of the open-to-half-open sweep.
	// Default: 10s
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// BalancerConfig contains provider selection settings.
type BalancerConfig struct {
	// Strategy is weighted, latency, cost or roundrobin.
	// Default: "weighted"
	Strategy string `yaml:"strategy"`

	// RecomputeInterval is the period of the weight recompute loop.
	// Default: 10s
	RecomputeInterval time.Duration `yaml:"recompute_interval"`

	// MinSamples is the latency samples needed before weights adapt.
	// Default: 5
	MinSamples int `yaml:"min_samples"`

	// LatencyWindow is the number of latencies kept per provider.
	// Default: 100
	LatencyWindow int `yaml:"latency_window"`

	// DefaultMaxConcurrent applies to providers without max_concurrent.
	// Default: 50
	DefaultMaxConcurrent int `yaml:"default_max_concurrent"`
}

// QueueConfig contains admission settings.
type QueueConfig struct {
	// MaxQueueSize is the pending-entry cap per provider.
	// Default: 500
	MaxQueueSize int `yaml:"max_queue_size"`

	// RequestsPerMinute is the default per-provider dispatch rate; a
	// negative value disables rate limiting.
	// Default: 60
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Window is the rate window.
	// Default: 60s
	Window time.Duration `yaml:"window"`

	// RetryDelay is how long a rate-limited queue waits before draining.
	// Default: 1s
	RetryDelay time.Duration `yaml:"retry_delay"`

	// DefaultTimeout is the queued-time budget of a request.
	// Default: 5m
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// AttemptTimeout bounds each dispatched upstream call; zero leaves the
	// deadline to the executor.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// FailoverConfig contains retry settings.
type FailoverConfig struct {
	// MaxRetries is the number of failovers after the first attempt.
	// Default: 3
	MaxRetries *int `yaml:"max_retries"`

	// BufferSize is the chunk count after which a broken stream is no
	// longer restarted elsewhere.
	// Default: 50
	BufferSize int `yaml:"buffer_size"`
}

// HedgingConfig contains speculative execution settings.
type HedgingConfig struct {
	// Enabled allows hedged execution.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Delay is the stagger between attempt starts.
	// Default: 2s
	Delay time.Duration `yaml:"delay"`

	// MaxParallel caps attempts per request, primary included.
	// Default: 3
	MaxParallel int `yaml:"max_parallel"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	// ID identifies the provider in routing, metrics and admin calls.
	ID string `yaml:"id"`

	// Weight is the manual weight multiplier. Unset means 1; 0 keeps the
	// provider out of weighted draws.
	Weight *float64 `yaml:"weight"`

	// CostPerUnit is the relative cost score.
	CostPerUnit float64 `yaml:"cost_per_unit"`

	// MaxConcurrent caps in-flight requests. Zero uses balancer.default_max_concurrent.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RequestsPerMinute is the dispatch rate. Zero uses queue.requests_per_minute.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Capabilities lists the models served. Empty means any.
	Capabilities []string `yaml:"capabilities"`

	// Priority orders failover and hedge targets; higher is preferred.
	Priority int `yaml:"priority"`

	// Healthy is the initial health flag.
	// Default: true
	Healthy *bool `yaml:"healthy"`

	// Simulation configures the built-in simulated upstream used by the
	// run and benchmark commands.
	Simulation SimulationConfig `yaml:"simulation"`
}

// SimulationConfig describes a simulated upstream.
type SimulationConfig struct {
	// Latency is the mean response latency.
	// Default: 200ms
	Latency time.Duration `yaml:"latency"`

	// Jitter is the maximum random deviation from Latency.
	Jitter time.Duration `yaml:"jitter"`

	// ErrorRate is the probability in [0, 1] that a call fails.
	ErrorRate float64 `yaml:"error_rate"`

	// ErrorKind selects the failure returned: server_error, rate_limit,
	// timeout, connection, auth or validation.
	// Default: "server_error"
	ErrorKind string `yaml:"error_kind"`

	// Chunks is the number of chunks a streamed call yields.
	// Default: 5
	Chunks int `yaml:"chunks"`

	// ChunkInterval is the delay between chunks.
	// Default: 20ms
	ChunkInterval time.Duration `yaml:"chunk_interval"`

	// MidStreamErrorRate is the probability that a stream breaks after
	// its first chunk.
	MidStreamErrorRate float64 `yaml:"mid_stream_error_rate"`

	// Units is the work reported per call.
	// Default: 100
	Units int `yaml:"units"`
}

// Enabled reports whether b is set, falling back to def.
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}

// Int returns a pointer to i.
func Int(i int) *int {
	return &i
}

// Float returns a pointer to f.
func Float(f float64) *float64 {
	return &f
}

// Provider returns the provider configured under id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
