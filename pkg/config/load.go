package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "RELAY_"

// LoadConfig loads configuration from a YAML file, applies defaults and
// validates it. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML without applying defaults. Unknown fields are
// rejected so typos surface at load time.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides, which take precedence over the
// file.
//
// The loading sequence is:
//  1. Load YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate the final configuration
//
// Variables follow RELAY_SECTION_FIELD (RELAY_SERVER_LISTEN_ADDRESS,
// RELAY_BALANCER_STRATEGY). Providers are addressed by id with dashes
// mapped to underscores: RELAY_PROVIDERS_<ID>_WEIGHT.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies RELAY_* environment variables to cfg. Values
// that fail to parse are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBoolPtr("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBoolPtr("TELEMETRY_REPORTER_ENABLED", &cfg.Telemetry.Reporter.Enabled)
	envString("TELEMETRY_REPORTER_SCHEDULE", &cfg.Telemetry.Reporter.Schedule)
	envString("TELEMETRY_REPORTER_HISTORY_PATH", &cfg.Telemetry.Reporter.HistoryPath)
	envDuration("TELEMETRY_REPORTER_HISTORY_RETENTION", &cfg.Telemetry.Reporter.HistoryRetention)

	// Routing overrides
	envInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.Circuit.FailureThreshold)
	envDuration("CIRCUIT_TIMEOUT", &cfg.Circuit.Timeout)
	envString("BALANCER_STRATEGY", &cfg.Balancer.Strategy)
	envInt("QUEUE_MAX_QUEUE_SIZE", &cfg.Queue.MaxQueueSize)
	envInt("QUEUE_REQUESTS_PER_MINUTE", &cfg.Queue.RequestsPerMinute)
	envDuration("QUEUE_ATTEMPT_TIMEOUT", &cfg.Queue.AttemptTimeout)
	if val, ok := lookup("FAILOVER_MAX_RETRIES"); ok {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Failover.MaxRetries = Int(i)
		}
	}
	envBoolPtr("HEDGING_ENABLED", &cfg.Hedging.Enabled)
	envDuration("HEDGING_DELAY", &cfg.Hedging.Delay)
	envInt("HEDGING_MAX_PARALLEL", &cfg.Hedging.MaxParallel)

	for i := range cfg.Providers {
		applyProviderEnvOverrides(&cfg.Providers[i])
	}
}

// applyProviderEnvOverrides applies RELAY_PROVIDERS_<ID>_<FIELD> overrides.
func applyProviderEnvOverrides(p *ProviderConfig) {
	prefix := "PROVIDERS_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(p.ID)) + "_"

	if val, ok := lookup(prefix + "WEIGHT"); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			p.Weight = Float(f)
		}
	}
	if val, ok := lookup(prefix + "COST_PER_UNIT"); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			p.CostPerUnit = f
		}
	}
	envInt(prefix+"MAX_CONCURRENT", &p.MaxConcurrent)
	envInt(prefix+"REQUESTS_PER_MINUTE", &p.RequestsPerMinute)
	envInt(prefix+"PRIORITY", &p.Priority)
	envBoolPtr(prefix+"HEALTHY", &p.Healthy)
}

func lookup(key string) (string, bool) {
	val := os.Getenv(EnvPrefix + key)
	return val, val != ""
}

func envString(key string, dst *string) {
	if val, ok := lookup(key); ok {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val, ok := lookup(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val, ok := lookup(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func envBoolPtr(key string, dst **bool) {
	if val, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = Bool(b)
		}
	}
}
