package circuit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is reported for an attempt refused by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the state of a single provider circuit.
type State int

const (
	// StateClosed lets all traffic through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects traffic until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets probe traffic through to test recovery.
	StateHalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains the thresholds for every circuit owned by a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// closed circuit. Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of successes in HALF_OPEN needed to
	// close the circuit again. Default: 3
	SuccessThreshold int

	// Timeout is how long a circuit stays OPEN after its last failure.
	// Default: 30s
	Timeout time.Duration

	// MonitorInterval is the period of the background sweep that moves
	// idle OPEN circuits to HALF_OPEN. Default: 10s
	MonitorInterval time.Duration
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		MonitorInterval:  10 * time.Second,
	}
}

// Status is a point-in-time copy of one provider's circuit.
type Status struct {
	Provider        string    `json:"provider"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
}

// StateChangeFunc is invoked after a circuit changes state. It runs outside
// the breaker lock and must not block.
type StateChangeFunc func(provider string, from, to State)

type circuitRecord struct {
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	totalFailures   int64
	totalSuccesses  int64
}

type transition struct {
	provider string
	from, to State
}

// Breaker tracks one circuit per provider.
//
// A provider with no record is an implicit CLOSED circuit; records are
// created on first access. None of the methods return errors or panic.
type Breaker struct {
	config   Config
	now      func() time.Time
	logger   *slog.Logger
	onChange StateChangeFunc

	mu       sync.Mutex
	circuits map[string]*circuitRecord
	trips    int64

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithStateChangeHook registers a callback for every state transition.
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a Breaker. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaults.MonitorInterval
	}

	b := &Breaker{
		config:   cfg,
		now:      time.Now,
		circuits: make(map[string]*circuitRecord),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default().With("component", "routing.circuit")
	}
	return b
}

// CanExecute reports whether provider may be tried now.
//
// CLOSED and HALF_OPEN circuits always allow traffic. An OPEN circuit whose
// timeout has elapsed moves to HALF_OPEN and allows the call.
func (b *Breaker) CanExecute(provider string) bool {
	b.mu.Lock()
	rec := b.recordLocked(provider)

	if rec.state != StateOpen {
		b.mu.Unlock()
		return true
	}

	now := b.now()
	if now.Sub(rec.lastFailureTime) < b.config.Timeout {
		b.mu.Unlock()
		return false
	}

	t := b.transitionLocked(provider, rec, StateHalfOpen, now)
	b.mu.Unlock()

	b.notify(t)
	return true
}

// RecordSuccess records a successful call to provider.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	rec := b.recordLocked(provider)
	rec.totalSuccesses++

	var t *transition
	switch rec.state {
	case StateClosed:
		rec.failures = 0
	case StateHalfOpen:
		rec.successes++
		if rec.successes >= b.config.SuccessThreshold {
			t = b.transitionLocked(provider, rec, StateClosed, b.now())
		}
	}
	b.mu.Unlock()

	b.notify(t)
}

// RecordFailure records a failed call to provider. err is used only for
// logging.
func (b *Breaker) RecordFailure(provider string, err error) {
	b.mu.Lock()
	rec := b.recordLocked(provider)
	now := b.now()

	rec.totalFailures++
	rec.failures++
	rec.lastFailureTime = now

	var t *transition
	switch rec.state {
	case StateClosed:
		if rec.failures >= b.config.FailureThreshold {
			t = b.transitionLocked(provider, rec, StateOpen, now)
			b.trips++
		}
	case StateHalfOpen:
		t = b.transitionLocked(provider, rec, StateOpen, now)
		b.trips++
	}
	failures := rec.failures
	b.mu.Unlock()

	if t != nil {
		b.logger.Warn("circuit opened",
			"provider", provider,
			"from", t.from.String(),
			"failures", failures,
			"error", err,
		)
	} else {
		b.logger.Debug("provider failure recorded",
			"provider", provider,
			"failures", failures,
			"error", err,
		)
	}
	b.notify(t)
}

// Reset forces provider's circuit back to CLOSED and clears its
// consecutive counters. Lifetime totals are kept.
func (b *Breaker) Reset(provider string) {
	b.mu.Lock()
	rec := b.recordLocked(provider)
	var t *transition
	if rec.state != StateClosed {
		t = b.transitionLocked(provider, rec, StateClosed, b.now())
	}
	rec.failures = 0
	rec.successes = 0
	b.mu.Unlock()

	b.notify(t)
}

// Status returns a copy of provider's circuit record.
func (b *Breaker) Status(provider string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.recordLocked(provider).status(provider)
}

// Statuses returns every known circuit, sorted by provider id.
func (b *Breaker) Statuses() []Status {
	b.mu.Lock()
	out := make([]Status, 0, len(b.circuits))
	for provider, rec := range b.circuits {
		out = append(out, rec.status(provider))
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Trips returns how many times any circuit has transitioned to OPEN.
func (b *Breaker) Trips() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Sweep moves every OPEN circuit whose timeout has elapsed to HALF_OPEN, so
// idle providers recover without waiting for traffic.
func (b *Breaker) Sweep() {
	b.mu.Lock()
	now := b.now()
	var changed []*transition
	for provider, rec := range b.circuits {
		if rec.state == StateOpen && now.Sub(rec.lastFailureTime) >= b.config.Timeout {
			changed = append(changed, b.transitionLocked(provider, rec, StateHalfOpen, now))
		}
	}
	b.mu.Unlock()

	for _, t := range changed {
		b.notify(t)
	}
}

// Start launches the periodic monitor sweep. It runs until ctx is cancelled
// or Stop is called. Calling Start on a running breaker is a no-op.
func (b *Breaker) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.stopCh != nil {
		return
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go b.monitor(ctx, b.stopCh, b.doneCh)
}

// Stop halts the monitor sweep and waits for it to exit.
func (b *Breaker) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.stopCh == nil {
		return
	}
	close(b.stopCh)
	<-b.doneCh
	b.stopCh = nil
	b.doneCh = nil
}

func (b *Breaker) monitor(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// recordLocked returns provider's record, creating a CLOSED one if needed.
// Caller must hold b.mu.
func (b *Breaker) recordLocked(provider string) *circuitRecord {
	rec, ok := b.circuits[provider]
	if !ok {
		rec = &circuitRecord{
			state:           StateClosed,
			lastStateChange: b.now(),
		}
		b.circuits[provider] = rec
	}
	return rec
}

// transitionLocked moves rec to state and resets the counter belonging to
// the new state. Caller must hold b.mu.
func (b *Breaker) transitionLocked(provider string, rec *circuitRecord, to State, now time.Time) *transition {
	from := rec.state
	rec.state = to
	rec.lastStateChange = now

	switch to {
	case StateClosed:
		rec.failures = 0
		rec.successes = 0
	case StateHalfOpen:
		rec.successes = 0
	case StateOpen:
		rec.successes = 0
	}

	return &transition{provider: provider, from: from, to: to}
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	if t.to != StateOpen {
		b.logger.Info("circuit state changed",
			"provider", t.provider,
			"from", t.from.String(),
			"to", t.to.String(),
		)
	}
	if b.onChange != nil {
		b.onChange(t.provider, t.from, t.to)
	}
}

func (r *circuitRecord) status(provider string) Status {
	return Status{
		Provider:        provider,
		State:           r.state,
		StateName:       r.state.String(),
		Failures:        r.failures,
		Successes:       r.successes,
		LastFailureTime: r.lastFailureTime,
		LastStateChange: r.lastStateChange,
		TotalFailures:   r.totalFailures,
		TotalSuccesses:  r.totalSuccesses,
	}
}
