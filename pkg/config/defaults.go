package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 5 * time.Minute
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = int64(1 << 20)

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "relay"
	DefaultHealthCheckTimeout = 2 * time.Second
	DefaultReporterSchedule   = "@every 1m"
	DefaultHistoryRetention   = 24 * time.Hour

	// Circuit defaults
	DefaultFailureThreshold       = 5
	DefaultSuccessThreshold       = 3
	DefaultCircuitTimeout         = 30 * time.Second
	DefaultCircuitMonitorInterval = 10 * time.Second

	// Balancer defaults
	DefaultStrategy            = "weighted"
	DefaultRecomputeInterval   = 10 * time.Second
	DefaultMinSamples          = 5
	DefaultLatencyWindow       = 100
	DefaultProviderConcurrency = 50
	DefaultProviderWeight      = 1.0

	// Queue defaults
	DefaultMaxQueueSize      = 500
	DefaultRequestsPerMinute = 60
	DefaultQueueWindow       = time.Minute
	DefaultQueueRetryDelay   = time.Second
	DefaultQueueTimeout      = 5 * time.Minute

	// Failover defaults
	DefaultMaxRetries = 3
	DefaultBufferSize = 50

	// Hedging defaults
	DefaultHedgeDelay       = 2 * time.Second
	DefaultHedgeMaxParallel = 3

	// Simulation defaults
	DefaultSimulationLatency       = 200 * time.Millisecond
	DefaultSimulationErrorKind     = "server_error"
	DefaultSimulationChunks        = 5
	DefaultSimulationChunkInterval = 20 * time.Millisecond
	DefaultSimulationUnits         = 100
)

// ApplyDefaults sets defaults for every zero-valued field. It is idempotent.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyTelemetryDefaults(&cfg.Telemetry)

	// Circuit defaults
	if cfg.Circuit.FailureThreshold == 0 {
		cfg.Circuit.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Circuit.SuccessThreshold == 0 {
		cfg.Circuit.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.Circuit.Timeout == 0 {
		cfg.Circuit.Timeout = DefaultCircuitTimeout
	}
	if cfg.Circuit.MonitorInterval == 0 {
		cfg.Circuit.MonitorInterval = DefaultCircuitMonitorInterval
	}

	// Balancer defaults
	if cfg.Balancer.Strategy == "" {
		cfg.Balancer.Strategy = DefaultStrategy
	}
	if cfg.Balancer.RecomputeInterval == 0 {
		cfg.Balancer.RecomputeInterval = DefaultRecomputeInterval
	}
	if cfg.Balancer.MinSamples == 0 {
		cfg.Balancer.MinSamples = DefaultMinSamples
	}
	if cfg.Balancer.LatencyWindow == 0 {
		cfg.Balancer.LatencyWindow = DefaultLatencyWindow
	}
	if cfg.Balancer.DefaultMaxConcurrent == 0 {
		cfg.Balancer.DefaultMaxConcurrent = DefaultProviderConcurrency
	}

	// Queue defaults
	if cfg.Queue.MaxQueueSize == 0 {
		cfg.Queue.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.Queue.RequestsPerMinute == 0 {
		cfg.Queue.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Queue.Window == 0 {
		cfg.Queue.Window = DefaultQueueWindow
	}
	if cfg.Queue.RetryDelay == 0 {
		cfg.Queue.RetryDelay = DefaultQueueRetryDelay
	}
	if cfg.Queue.DefaultTimeout == 0 {
		cfg.Queue.DefaultTimeout = DefaultQueueTimeout
	}

	// Failover defaults; max_retries: 0 is meaningful, so only nil is defaulted
	if cfg.Failover.MaxRetries == nil {
		cfg.Failover.MaxRetries = Int(DefaultMaxRetries)
	}
	if cfg.Failover.BufferSize == 0 {
		cfg.Failover.BufferSize = DefaultBufferSize
	}

	// Hedging defaults
	if cfg.Hedging.Enabled == nil {
		cfg.Hedging.Enabled = Bool(true)
	}
	if cfg.Hedging.Delay == 0 {
		cfg.Hedging.Delay = DefaultHedgeDelay
	}
	if cfg.Hedging.MaxParallel == 0 {
		cfg.Hedging.MaxParallel = DefaultHedgeMaxParallel
	}

	for i := range cfg.Providers {
		applyProviderDefaults(&cfg.Providers[i])
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Logging.RedactSecrets == nil {
		t.Logging.RedactSecrets = Bool(true)
	}
	if t.Metrics.Enabled == nil {
		t.Metrics.Enabled = Bool(true)
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(t.Metrics.RequestDurationBuckets) == 0 {
		t.Metrics.RequestDurationBuckets = []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0}
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
	if t.Reporter.Enabled == nil {
		t.Reporter.Enabled = Bool(true)
	}
	if t.Reporter.Schedule == "" {
		t.Reporter.Schedule = DefaultReporterSchedule
	}
	if t.Reporter.HistoryPath != "" && t.Reporter.HistoryRetention == 0 {
		t.Reporter.HistoryRetention = DefaultHistoryRetention
	}
}

func applyProviderDefaults(p *ProviderConfig) {
	if p.Healthy == nil {
		p.Healthy = Bool(true)
	}
	if p.Weight == nil {
		p.Weight = Float(DefaultProviderWeight)
	}
	sim := &p.Simulation
	if sim.Latency == 0 {
		sim.Latency = DefaultSimulationLatency
	}
	if sim.ErrorKind == "" {
		sim.ErrorKind = DefaultSimulationErrorKind
	}
	if sim.Chunks == 0 {
		sim.Chunks = DefaultSimulationChunks
	}
	if sim.ChunkInterval == 0 {
		sim.ChunkInterval = DefaultSimulationChunkInterval
	}
	if sim.Units == 0 {
		sim.Units = DefaultSimulationUnits
	}
}
