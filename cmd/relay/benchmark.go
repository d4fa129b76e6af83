package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/relay/internal/simulate"
	"mercator-hq/relay/pkg/cli"
	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing/failover"
	"mercator-hq/relay/pkg/routing/hedging"
	"mercator-hq/relay/pkg/telemetry/logging"

	"github.com/spf13/cobra"
)

var benchmarkFlags struct {
	duration    time.Duration
	rate        int
	concurrency int
	mode        string
	model       string
	priority    string
	seed        uint64
	format      string
	report      string
	quiet       bool
}

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Load test the routing engine",
	Long: `Run synthetic load through an in-process engine built from the config file.

Providers are simulated from their simulation section, so error rates,
latency and stream breaks exercise the circuit breakers, failover and
hedging exactly as configured.

Metrics Collected:
  - Request throughput (requests/sec)
  - Latency percentiles (p50, p95, p99, max)
  - Success/error rates by error type
  - Failover and hedging outcomes
  - Per-provider traffic share, weight and circuit state

Examples:
  # Basic benchmark
  relay benchmark --config relay.yaml

  # High load test with hedging
  relay benchmark --duration 60s --rate 500 --concurrency 64 --mode hedge

  # Streams, as CSV
  relay benchmark --mode stream --format csv --report results.csv`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)

	benchmarkCmd.Flags().DurationVar(&benchmarkFlags.duration, "duration", 10*time.Second, "test duration")
	benchmarkCmd.Flags().IntVar(&benchmarkFlags.rate, "rate", 50, "requests per second")
	benchmarkCmd.Flags().IntVar(&benchmarkFlags.concurrency, "concurrency", 8, "concurrent clients")
	benchmarkCmd.Flags().StringVar(&benchmarkFlags.mode, "mode", "unary", "call mode: unary, stream, hedge, hedge_stream")
	benchmarkCmd.Flags().StringVar(&benchmarkFlags.model, "model", "", "model to request (empty matches every provider)")
	benchmarkCmd.Flags().StringVar(&benchmarkFlags.priority, "priority", "normal", "queue priority: high, normal, low")
	benchmarkCmd.Flags().Uint64Var(&benchmarkFlags.seed, "seed", 0, "simulation seed (0 picks a random seed)")
	benchmarkCmd.Flags().StringVar(&benchmarkFlags.format, "format", "text", "output format: text, json, csv")
	benchmarkCmd.Flags().StringVar(&benchmarkFlags.report, "report", "", "output file for results")
	benchmarkCmd.Flags().BoolVarP(&benchmarkFlags.quiet, "quiet", "q", false, "hide the progress bar")
}

// loadOptions configures one load run.
type loadOptions struct {
	duration    time.Duration
	rate        int
	concurrency int
	mode        engine.Mode
	model       string
	priority    string
}

func (o loadOptions) validate() error {
	switch {
	case o.duration <= 0:
		return cli.NewUsageError("--duration must be positive")
	case o.rate <= 0:
		return cli.NewUsageError("--rate must be positive")
	case o.concurrency <= 0:
		return cli.NewUsageError("--concurrency must be positive")
	}
	switch o.mode {
	case engine.ModeUnary, engine.ModeStream, engine.ModeHedge, engine.ModeHedgeStream:
		return nil
	default:
		return cli.NewUsageError("unknown --mode %q (want unary, stream, hedge or hedge_stream)", o.mode)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	opts := loadOptions{
		duration:    benchmarkFlags.duration,
		rate:        benchmarkFlags.rate,
		concurrency: benchmarkFlags.concurrency,
		mode:        engine.Mode(benchmarkFlags.mode),
		model:       benchmarkFlags.model,
		priority:    benchmarkFlags.priority,
	}
	if err := opts.validate(); err != nil {
		return err
	}
	format, err := cli.ParseFormat(benchmarkFlags.format)
	if err != nil {
		return err
	}
	formatter, err := cli.NewFormatter(format)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}

	// Engine logs would interleave with the progress bar; keep warnings only.
	logCfg := cfg.LogConfig()
	logCfg.Level = "warn"
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}

	simOpts := []simulate.Option{simulate.WithLogger(logger)}
	if benchmarkFlags.seed != 0 {
		simOpts = append(simOpts, simulate.WithSeed(benchmarkFlags.seed))
	}
	sim := simulate.New(simulate.ProfilesFromConfig(cfg), simOpts...)

	eng, err := newEngine(cfg, sim, nil, logger)
	if err != nil {
		return cli.NewCommandError("benchmark", err)
	}
	defer eng.Close()

	ctx, stop := cli.SetupSignalHandler(cmd.Context(), logger)
	defer stop()
	eng.Start(ctx)

	var progress cli.ProgressReporter = cli.NopProgress{}
	if !benchmarkFlags.quiet {
		progress = cli.NewProgressReporter(cmd.ErrOrStderr())
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Benchmarking %d providers: %s mode, %d req/s for %s, concurrency %d\n",
		len(cfg.Providers), opts.mode, opts.rate, opts.duration, opts.concurrency)

	report := runLoad(ctx, eng, opts, progress)
	report.Simulated = sim.Stats()

	var out io.Writer = cmd.OutOrStdout()
	if benchmarkFlags.report != "" {
		f, err := os.Create(benchmarkFlags.report)
		if err != nil {
			return cli.NewCommandError("benchmark", err)
		}
		defer f.Close()
		out = f
	}
	if err := formatter.FormatTo(out, report); err != nil {
		return cli.NewCommandError("benchmark", err)
	}
	return nil
}

// runLoad sends requests to eng at opts.rate until opts.duration elapses or
// ctx is cancelled, then waits for in-flight calls and summarizes them.
func runLoad(ctx context.Context, eng *engine.Engine, opts loadOptions, progress cli.ProgressReporter) *benchmarkReport {
	total := int64(opts.duration.Seconds() * float64(opts.rate))
	if total < 1 {
		total = 1
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	rec := newRecorder()
	jobs := make(chan struct{}, opts.concurrency)
	var done, failed, skipped atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				latency, err := call(ctx, eng, opts)
				rec.record(latency, err)
				if err != nil {
					failed.Add(1)
				}
				progress.Update(done.Add(1), failed.Load())
			}
		}()
	}

	start := time.Now()
	progress.Start(total)

	ticker := time.NewTicker(time.Second / time.Duration(opts.rate))
	defer ticker.Stop()

	var sent int64
loop:
	for sent < total {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			select {
			case jobs <- struct{}{}:
				sent++
			default:
				// Every client is busy; the engine is not keeping up.
				skipped.Add(1)
			}
		}
	}
	close(jobs)
	wg.Wait()
	progress.Finish()

	report := rec.summarize(opts, time.Since(start))
	report.Skipped = skipped.Load()

	stats := eng.Stats()
	report.Failover = stats.Failover
	report.Hedging = stats.Hedging
	for _, p := range stats.Balancer.Providers {
		ps := providerSummary{
			ID:          p.ID,
			Requests:    p.TotalRequests,
			SuccessRate: p.SuccessRate,
			P95Ms:       ms(p.P95Latency),
			Weight:      p.ComputedWeight,
			Healthy:     p.Healthy,
		}
		for _, c := range stats.Circuits {
			if c.Provider == p.ID {
				ps.Circuit = c.State.String()
			}
		}
		if ps.Circuit == "" {
			ps.Circuit = "CLOSED"
		}
		report.Providers = append(report.Providers, ps)
	}
	return report
}

// call runs one request in the configured mode. Streams are drained and
// timed to their last chunk.
func call(ctx context.Context, eng *engine.Engine, opts loadOptions) (time.Duration, error) {
	req := &providers.Request{
		Model:    opts.model,
		Priority: opts.priority,
		Payload:  map[string]any{"prompt": "benchmark"},
	}
	start := time.Now()

	var err error
	switch opts.mode {
	case engine.ModeHedge:
		_, err = eng.ExecuteHedged(ctx, req)
	case engine.ModeStream, engine.ModeHedgeStream:
		var stream <-chan *providers.StreamChunk
		if opts.mode == engine.ModeStream {
			stream, err = eng.ExecuteStream(ctx, req)
		} else {
			stream, err = eng.ExecuteHedgedStream(ctx, req)
		}
		if err == nil {
			for chunk := range stream {
				if chunk.Error != nil {
					err = chunk.Error
				}
			}
		}
	default:
		_, err = eng.Execute(ctx, req)
	}
	return time.Since(start), err
}

// recorder collects per-call results.
type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	errors    map[string]int64
	succeeded int64
	failed    int64
}

func newRecorder() *recorder {
	return &recorder{errors: make(map[string]int64)}
}

func (r *recorder) record(latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.failed++
		r.errors[providers.ErrorType(err)]++
		return
	}
	r.succeeded++
	r.latencies = append(r.latencies, latency)
}

func (r *recorder) summarize(opts loadOptions, elapsed time.Duration) *benchmarkReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &benchmarkReport{
		Mode:            string(opts.mode),
		DurationSeconds: elapsed.Seconds(),
		Requests:        r.succeeded + r.failed,
		Succeeded:       r.succeeded,
		Failed:          r.failed,
		Errors:          make(map[string]int64, len(r.errors)),
		Latency:         summarizeLatencies(r.latencies),
	}
	for k, v := range r.errors {
		report.Errors[k] = v
	}
	if elapsed > 0 {
		report.Throughput = float64(r.succeeded) / elapsed.Seconds()
	}
	return report
}

// latencySummary holds latency statistics in milliseconds.
type latencySummary struct {
	Min  float64 `json:"min_ms"`
	Mean float64 `json:"mean_ms"`
	P50  float64 `json:"p50_ms"`
	P95  float64 `json:"p95_ms"`
	P99  float64 `json:"p99_ms"`
	Max  float64 `json:"max_ms"`
}

// summarizeLatencies computes nearest-rank percentiles of latencies.
func summarizeLatencies(latencies []time.Duration) latencySummary {
	if len(latencies) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	rank := func(p float64) time.Duration {
		i := int(p*float64(len(sorted))+0.999999) - 1
		return sorted[max(0, min(i, len(sorted)-1))]
	}

	return latencySummary{
		Min:  ms(sorted[0]),
		Mean: ms(sum / time.Duration(len(sorted))),
		P50:  ms(rank(0.50)),
		P95:  ms(rank(0.95)),
		P99:  ms(rank(0.99)),
		Max:  ms(sorted[len(sorted)-1]),
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

type providerSummary struct {
	ID          string  `json:"id"`
	Requests    int64   `json:"requests"`
	SuccessRate float64 `json:"success_rate"`
	P95Ms       float64 `json:"p95_ms"`
	Weight      float64 `json:"weight"`
	Healthy     bool    `json:"healthy"`
	Circuit     string  `json:"circuit"`
}

// benchmarkReport is the result of a load run. It renders as a metric/value
// table for text and CSV output.
type benchmarkReport struct {
	Mode            string                        `json:"mode"`
	DurationSeconds float64                       `json:"duration_seconds"`
	Requests        int64                         `json:"requests"`
	Succeeded       int64                         `json:"succeeded"`
	Failed          int64                         `json:"failed"`
	Skipped         int64                         `json:"skipped"`
	Throughput      float64                       `json:"throughput_rps"`
	Latency         latencySummary                `json:"latency"`
	Errors          map[string]int64              `json:"errors"`
	Failover        failover.Stats                `json:"failover"`
	Hedging         hedging.Stats                 `json:"hedging"`
	Providers       []providerSummary             `json:"providers"`
	Simulated       map[string]simulate.CallStats `json:"simulated,omitempty"`
}

var _ cli.Table = (*benchmarkReport)(nil)

// Header implements cli.Table.
func (r *benchmarkReport) Header() []string {
	return []string{"metric", "value"}
}

// Rows implements cli.Table.
func (r *benchmarkReport) Rows() [][]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	i := func(v int64) string { return strconv.FormatInt(v, 10) }

	rows := [][]string{
		{"mode", r.Mode},
		{"duration_s", f(r.DurationSeconds)},
		{"requests", i(r.Requests)},
		{"succeeded", i(r.Succeeded)},
		{"failed", i(r.Failed)},
		{"skipped", i(r.Skipped)},
		{"throughput_rps", f(r.Throughput)},
		{"latency_min_ms", f(r.Latency.Min)},
		{"latency_mean_ms", f(r.Latency.Mean)},
		{"latency_p50_ms", f(r.Latency.P50)},
		{"latency_p95_ms", f(r.Latency.P95)},
		{"latency_p99_ms", f(r.Latency.P99)},
		{"latency_max_ms", f(r.Latency.Max)},
	}

	errTypes := make([]string, 0, len(r.Errors))
	for k := range r.Errors {
		errTypes = append(errTypes, k)
	}
	slices.Sort(errTypes)
	for _, k := range errTypes {
		rows = append(rows, []string{"errors." + k, i(r.Errors[k])})
	}

	rows = append(rows,
		[]string{"failover.attempts", i(r.Failover.Attempts)},
		[]string{"failover.failovers", i(r.Failover.Failovers)},
		[]string{"failover.exhausted", i(r.Failover.Exhausted)},
		[]string{"failover.stream_restarts", i(r.Failover.StreamRestarts)},
		[]string{"hedging.requests", i(r.Hedging.Requests)},
		[]string{"hedging.hedges_launched", i(r.Hedging.HedgesLaunched)},
		[]string{"hedging.hedge_wins", i(r.Hedging.HedgeWins)},
		[]string{"hedging.primary_wins", i(r.Hedging.PrimaryWins)},
	)

	for _, p := range r.Providers {
		prefix := "provider." + p.ID + "."
		rows = append(rows,
			[]string{prefix + "requests", i(p.Requests)},
			[]string{prefix + "success_rate", f(p.SuccessRate)},
			[]string{prefix + "p95_ms", f(p.P95Ms)},
			[]string{prefix + "weight", f(p.Weight)},
			[]string{prefix + "circuit", p.Circuit},
		)
	}
	return rows
}

// String implements fmt.Stringer for %v output.
func (r *benchmarkReport) String() string {
	return fmt.Sprintf("%s: %d requests, %d failed, %.2f req/s, p95 %.1fms",
		r.Mode, r.Requests, r.Failed, r.Throughput, r.Latency.P95)
}

