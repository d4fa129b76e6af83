package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mercator-hq/relay/internal/simulate"
	"mercator-hq/relay/pkg/cli"
	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/telemetry/history"
)

const testConfig = `
queue:
  requests_per_minute: 100000
hedging:
  delay: 5ms
providers:
  - id: alpha
    simulation:
      latency: 2ms
      chunks: 3
      chunk_interval: 1ms
  - id: beta
    weight: 2
    simulation:
      latency: 3ms
      chunks: 3
      chunk_interval: 1ms
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadTestConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"run": false, "benchmark": false, "validate": false, "history": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	versionCmd.SetOut(buf)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)
	if !strings.Contains(buf.String(), "Relay "+Version) || !strings.Contains(buf.String(), "Go Version:") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	versionShort = true
	defer func() { versionShort = false }()
	versionCmd.Run(versionCmd, nil)
	if buf.String() != Version+"\n" {
		t.Errorf("short output = %q", buf.String())
	}
}

func TestValidateConfigFile(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		format    cli.OutputFormat
		wantErr   bool
		wantText  string
		wantField string
	}{
		{
			name:     "valid text",
			content:  testConfig,
			format:   cli.FormatText,
			wantText: "is valid",
		},
		{
			name:      "invalid strategy",
			content:   "balancer:\n  strategy: fastest\nproviders:\n  - id: a\n",
			format:    cli.FormatText,
			wantErr:   true,
			wantText:  "is invalid",
			wantField: "balancer.strategy",
		},
		{
			name:      "no providers as json",
			content:   "server:\n  listen_address: 127.0.0.1:9000\n",
			format:    cli.FormatJSON,
			wantErr:   true,
			wantField: "providers",
		},
		{
			name:     "unknown field",
			content:  "providers:\n  - id: a\n    wieght: 2\n",
			format:   cli.FormatText,
			wantErr:  true,
			wantText: "wieght",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			err := validateConfigFile(buf, writeConfig(t, tt.content), false, tt.format)

			if (err != nil) != tt.wantErr {
				t.Fatalf("validateConfigFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && cli.ExitCode(err) != cli.ExitInvalidConfig {
				t.Errorf("ExitCode() = %d, want %d", cli.ExitCode(err), cli.ExitInvalidConfig)
			}
			if tt.wantText != "" && !strings.Contains(buf.String(), tt.wantText) {
				t.Errorf("output missing %q:\n%s", tt.wantText, buf.String())
			}
			if tt.wantField != "" && !strings.Contains(buf.String(), tt.wantField) {
				t.Errorf("output missing field %q:\n%s", tt.wantField, buf.String())
			}
			if tt.format == cli.FormatJSON {
				var result validationResult
				if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
					t.Fatalf("invalid JSON output: %v", err)
				}
				if result.Valid == tt.wantErr {
					t.Errorf("Valid = %v", result.Valid)
				}
			}
		})
	}
}

func TestLoadOptionsValidate(t *testing.T) {
	base := loadOptions{duration: time.Second, rate: 10, concurrency: 1, mode: engine.ModeUnary}

	tests := []struct {
		name    string
		mutate  func(*loadOptions)
		wantErr bool
	}{
		{"valid", func(o *loadOptions) {}, false},
		{"hedge_stream", func(o *loadOptions) { o.mode = engine.ModeHedgeStream }, false},
		{"zero duration", func(o *loadOptions) { o.duration = 0 }, true},
		{"zero rate", func(o *loadOptions) { o.rate = 0 }, true},
		{"zero concurrency", func(o *loadOptions) { o.concurrency = 0 }, true},
		{"unknown mode", func(o *loadOptions) { o.mode = "batch" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mutate(&o)
			err := o.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && cli.ExitCode(err) != cli.ExitUsage {
				t.Errorf("ExitCode() = %d, want usage", cli.ExitCode(err))
			}
		})
	}
}

func TestSummarizeLatencies(t *testing.T) {
	var latencies []time.Duration
	for i := 100; i >= 1; i-- {
		latencies = append(latencies, time.Duration(i)*time.Millisecond)
	}

	got := summarizeLatencies(latencies)
	want := latencySummary{Min: 1, Mean: 50.5, P50: 50, P95: 95, P99: 99, Max: 100}
	if got != want {
		t.Errorf("summarizeLatencies() = %+v, want %+v", got, want)
	}

	if empty := summarizeLatencies(nil); empty != (latencySummary{}) {
		t.Errorf("empty summary = %+v", empty)
	}
	if one := summarizeLatencies([]time.Duration{7 * time.Millisecond}); one.P99 != 7 || one.Min != 7 {
		t.Errorf("single summary = %+v", one)
	}
}

func TestRunLoad(t *testing.T) {
	for _, mode := range []engine.Mode{engine.ModeUnary, engine.ModeStream, engine.ModeHedge, engine.ModeHedgeStream} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := loadTestConfig(t, testConfig)
			sim := simulate.New(simulate.ProfilesFromConfig(cfg), simulate.WithSeed(7), simulate.WithLogger(discardLogger()))
			eng, err := newEngine(cfg, sim, nil, discardLogger())
			if err != nil {
				t.Fatal(err)
			}
			defer eng.Close()

			opts := loadOptions{duration: 200 * time.Millisecond, rate: 100, concurrency: 4, mode: mode}
			report := runLoad(context.Background(), eng, opts, cli.NopProgress{})

			if report.Requests == 0 {
				t.Fatal("no requests recorded")
			}
			if report.Failed != 0 {
				t.Errorf("Failed = %d, errors = %v", report.Failed, report.Errors)
			}
			if report.Latency.P95 <= 0 {
				t.Errorf("Latency = %+v", report.Latency)
			}
			if len(report.Providers) != 2 {
				t.Errorf("Providers = %+v", report.Providers)
			}

			var calls int64
			for _, s := range sim.Stats() {
				calls += s.Calls
			}
			if calls < report.Requests {
				t.Errorf("simulator saw %d calls for %d requests", calls, report.Requests)
			}
		})
	}
}

func TestRunLoad_CountsFailures(t *testing.T) {
	cfg := loadTestConfig(t, `
queue:
  requests_per_minute: 100000
failover:
  max_retries: 0
providers:
  - id: broken
    simulation:
      latency: 1ms
      error_rate: 1
      error_kind: auth
`)
	sim := simulate.New(simulate.ProfilesFromConfig(cfg), simulate.WithLogger(discardLogger()))
	eng, err := newEngine(cfg, sim, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	opts := loadOptions{duration: 100 * time.Millisecond, rate: 50, concurrency: 2, mode: engine.ModeUnary}
	report := runLoad(context.Background(), eng, opts, cli.NopProgress{})

	if report.Succeeded != 0 || report.Failed == 0 {
		t.Fatalf("report = %s", report)
	}
	if report.Errors["auth"] == 0 {
		t.Errorf("Errors = %v, want auth failures", report.Errors)
	}
}

func TestBenchmarkReport_Table(t *testing.T) {
	report := &benchmarkReport{
		Mode:      "unary",
		Requests:  10,
		Succeeded: 9,
		Failed:    1,
		Errors:    map[string]int64{"timeout": 1},
		Providers: []providerSummary{{ID: "alpha", Requests: 10, Circuit: "CLOSED"}},
	}

	buf := &bytes.Buffer{}
	if err := (&cli.CSVFormatter{}).FormatTo(buf, report); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"metric,value\n", "requests,10\n", "errors.timeout,1\n", "provider.alpha.circuit,CLOSED\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("CSV missing %q:\n%s", want, out)
		}
	}
}

func TestReloadFunc(t *testing.T) {
	cfg := loadTestConfig(t, testConfig)
	sim := simulate.New(simulate.ProfilesFromConfig(cfg), simulate.WithLogger(discardLogger()))
	eng, err := newEngine(cfg, sim, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	next := loadTestConfig(t, `
providers:
  - id: alpha
  - id: gamma
    simulation:
      latency: 1ms
`)
	if err := reloadFunc(eng, sim, discardLogger())(next); err != nil {
		t.Fatalf("reload error = %v", err)
	}

	if _, _, ok := eng.Provider("gamma"); !ok {
		t.Error("gamma not registered after reload")
	}
	if snap, _, ok := eng.Provider("beta"); !ok || snap.Healthy {
		t.Errorf("beta after reload = %+v, ok=%v; want registered and unhealthy", snap, ok)
	}

	var verr *providers.ValidationError
	if _, err := eng.Execute(context.Background(), nil); !errors.As(err, &verr) {
		t.Errorf("Execute(nil) error = %v, want validation error", err)
	}
}

func TestNewEngine_NoProviders(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	sim := simulate.New(nil, simulate.WithLogger(discardLogger()))
	eng, err := newEngine(cfg, sim, nil, discardLogger())
	if err != nil {
		t.Fatalf("newEngine() error = %v", err)
	}
	defer eng.Close()

	if eng.Ready() {
		t.Error("engine without providers should not be ready")
	}
	if _, err := eng.Execute(context.Background(), &providers.Request{}); err == nil {
		t.Error("Execute() with no providers should fail")
	}
}

func TestShowHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	cfg := loadTestConfig(t, testConfig)
	sim := simulate.New(simulate.ProfilesFromConfig(cfg), simulate.WithLogger(discardLogger()))
	eng, err := newEngine(cfg, sim, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	store, err := history.Open(history.Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	if err := store.Record(ctx, eng.Stats(), at); err != nil {
		t.Fatal(err)
	}
	store.Close()

	tests := []struct {
		name   string
		filter history.Filter
		format cli.OutputFormat
		want   []string
		reject []string
	}{
		{
			name:   "csv all",
			format: cli.FormatCSV,
			want:   []string{"time,provider,healthy", "2026-10-19T08:00:00Z,alpha,true,CLOSED", "2026-10-19T08:00:00Z,beta,true,CLOSED"},
		},
		{
			name:   "text one provider",
			filter: history.Filter{Provider: "beta"},
			format: cli.FormatText,
			want:   []string{"provider", "beta"},
			reject: []string{"alpha"},
		},
		{
			name:   "json",
			format: cli.FormatJSON,
			want:   []string{`"provider": "alpha"`, `"circuit": "CLOSED"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			if err := showHistory(ctx, buf, path, tt.filter, tt.format); err != nil {
				t.Fatalf("showHistory() error = %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
			for _, reject := range tt.reject {
				if strings.Contains(buf.String(), reject) {
					t.Errorf("output contains %q:\n%s", reject, buf.String())
				}
			}
		})
	}
}
