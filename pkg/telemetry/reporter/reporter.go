package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/routing/circuit"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule reports once a minute.
const DefaultSchedule = "@every 1m"

// StatsSource is implemented by *engine.Engine.
type StatsSource interface {
	Stats() engine.Stats
}

// Sink receives every stats snapshot the reporter takes.
// *history.Store satisfies it.
type Sink interface {
	Record(ctx context.Context, stats engine.Stats, at time.Time) error
}

// Reporter logs an engine summary on a cron schedule.
type Reporter struct {
	source   StatsSource
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	sink     Sink
	now      func() time.Time

	mu      sync.Mutex
	running bool
	last    engine.Stats
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the logger summaries are written to.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) { r.logger = logger }
}

// WithSink also records each snapshot to sink.
func WithSink(sink Sink) Option {
	return func(r *Reporter) { r.sink = sink }
}

// New creates a reporter for src. An empty schedule means DefaultSchedule.
func New(src StatsSource, schedule string, opts ...Option) *Reporter {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	r := &Reporter{
		source:   src,
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "reporter"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules the report. The schedule accepts standard five-field cron
// expressions and descriptors such as "@every 30s" or "@hourly". The
// reporter stops when ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", r.schedule, err)
	}
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Report(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule report: %w", err)
	}

	r.cron.Start()
	r.running = true
	r.logger.Info("stats reporter started", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop stops the schedule and waits for a running report to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.logger.Info("stats reporter stopped")
}

// IsRunning reports whether the schedule is active.
func (r *Reporter) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// NextRun returns the next scheduled report, or nil if nothing is scheduled.
func (r *Reporter) NextRun() *time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// Report logs one summary line for the engine and one per provider. Request
// counts are deltas since the previous report. A sink failure is logged and
// does not stop the schedule.
func (r *Reporter) Report(ctx context.Context) {
	stats := r.source.Stats()
	at := r.now()

	if r.sink != nil {
		if err := r.sink.Record(ctx, stats, at); err != nil {
			r.logger.WarnContext(ctx, "failed to record stats snapshot", "error", err)
		}
	}

	r.mu.Lock()
	prev := r.last
	r.last = stats
	r.mu.Unlock()

	circuits := make(map[string]circuit.Status, len(stats.Circuits))
	open := 0
	for _, st := range stats.Circuits {
		circuits[st.Provider] = st
		if st.State == circuit.StateOpen {
			open++
		}
	}
	pending := make(map[string]int, len(stats.Queues))
	for _, q := range stats.Queues {
		pending[q.Provider] = q.Pending
	}

	r.logger.InfoContext(ctx, "engine stats",
		"requests", stats.Requests-prev.Requests,
		"succeeded", stats.Succeeded-prev.Succeeded,
		"failed", stats.Failed-prev.Failed,
		"failovers", stats.Failover.Failovers-prev.Failover.Failovers,
		"hedge_wins", stats.Hedging.HedgeWins-prev.Hedging.HedgeWins,
		"open_circuits", open,
		"strategy", string(stats.Balancer.Strategy),
		"uptime", at.Sub(stats.StartedAt).Round(time.Second),
	)

	for _, p := range stats.Balancer.Providers {
		r.logger.DebugContext(ctx, "provider stats",
			"provider", p.ID,
			"healthy", p.Healthy,
			"circuit", circuits[p.ID].StateName,
			"weight", p.ComputedWeight,
			"p95", p.P95Latency,
			"success_rate", p.SuccessRate,
			"in_flight", p.CurrentConcurrent,
			"pending", pending[p.ID],
		)
	}
}
