package hedging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"mercator-hq/relay/pkg/providers"
)

// Hedging errors that can be checked with errors.Is().
var (
	// ErrAllAttemptsFailed is returned when no attempt succeeded.
	ErrAllAttemptsFailed = errors.New("all hedged attempts failed")

	// ErrNoAttempts is returned when Execute is called without attempts.
	ErrNoAttempts = errors.New("no attempts to execute")
)

// AllAttemptsFailedError aggregates the failures of every started attempt.
type AllAttemptsFailedError struct {
	// Errors holds each attempt's error by attempt index. Attempts that
	// never started have a nil entry.
	Errors []error

	// LastError is the failure that ended the race.
	LastError error
}

// Error implements the error interface.
func (e *AllAttemptsFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for i, err := range e.Errors {
		if err != nil {
			parts = append(parts, fmt.Sprintf("attempt %d: %v", i, err))
		}
	}
	return fmt.Sprintf("all %d hedged attempts failed (%s)", len(parts), strings.Join(parts, "; "))
}

// Is implements error matching for errors.Is().
func (e *AllAttemptsFailedError) Is(target error) bool {
	return target == ErrAllAttemptsFailed
}

// Unwrap returns the last failure so errors.Is/As can inspect it.
func (e *AllAttemptsFailedError) Unwrap() error {
	return e.LastError
}

// Attempt is one unary attempt. It must honour ctx cancellation; an
// attempt that ignores it still has its result discarded.
type Attempt func(ctx context.Context) (*providers.Response, error)

// StreamAttempt opens one streamed attempt.
type StreamAttempt func(ctx context.Context) (<-chan *providers.StreamChunk, error)

// Config contains hedging settings.
type Config struct {
	// Enabled turns hedging on. When false only the first attempt runs.
	Enabled bool

	// Delay is the stagger between attempt starts. Default: 2s
	Delay time.Duration

	// MaxParallel caps the number of attempts per request, primary
	// included. Default: 3
	MaxParallel int
}

// DefaultConfig returns the default hedging settings.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Delay:       2 * time.Second,
		MaxParallel: 3,
	}
}

// Stats is a snapshot of hedging counters.
type Stats struct {
	Requests             int64 `json:"requests"`
	Unhedged             int64 `json:"unhedged"`
	PrimaryWins          int64 `json:"primary_wins"`
	HedgeWins            int64 `json:"hedge_wins"`
	HedgesLaunched       int64 `json:"hedges_launched"`
	CancelledBeforeStart int64 `json:"cancelled_before_start"`
	AllFailed            int64 `json:"all_failed"`
}

// Hedger races staggered attempts and keeps the first success.
type Hedger struct {
	config Config
	logger *slog.Logger

	requests             atomic.Int64
	unhedged             atomic.Int64
	primaryWins          atomic.Int64
	hedgeWins            atomic.Int64
	hedgesLaunched       atomic.Int64
	cancelledBeforeStart atomic.Int64
	allFailed            atomic.Int64
}

// Option configures a Hedger.
type Option func(*Hedger)

// WithLogger sets the hedger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hedger) { h.logger = logger }
}

// New creates a Hedger. A zero Delay or MaxParallel falls back to
// DefaultConfig.
func New(cfg Config, opts ...Option) *Hedger {
	defaults := DefaultConfig()
	if cfg.Delay <= 0 {
		cfg.Delay = defaults.Delay
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaults.MaxParallel
	}

	h := &Hedger{config: cfg}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default().With("component", "routing.hedging")
	}
	return h
}

// Enabled reports whether hedging is on.
func (h *Hedger) Enabled() bool {
	return h.config.Enabled
}

// MaxParallel returns the attempt cap per request.
func (h *Hedger) MaxParallel() int {
	return h.config.MaxParallel
}

type unaryResult struct {
	index int
	resp  *providers.Response
	err   error
}

// Execute starts attempts[0] at once and attempts[i] after i*Delay, up to
// MaxParallel attempts, and returns the first success. The losers' contexts
// are cancelled and their results discarded. Hedges not yet started when
// the winner is known are never started. If every started attempt has
// failed while hedges are still pending, the next one starts immediately.
func (h *Hedger) Execute(ctx context.Context, attempts []Attempt) (*providers.Response, error) {
	if len(attempts) == 0 {
		return nil, ErrNoAttempts
	}
	h.requests.Add(1)

	if !h.config.Enabled || len(attempts) == 1 {
		h.unhedged.Add(1)
		return attempts[0](ctx)
	}

	n := min(len(attempts), h.config.MaxParallel)

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan unaryResult, n)
	fire := make(chan int, n)
	started := make([]bool, n)
	timers := make([]*time.Timer, n)
	errs := make([]error, n)
	running, failed := 0, 0

	start := func(i int) {
		started[i] = true
		running++
		if i > 0 {
			h.hedgesLaunched.Add(1)
			h.logger.Debug("hedge attempt started", "attempt", i)
		}
		go func() {
			resp, err := attempts[i](raceCtx)
			results <- unaryResult{index: i, resp: resp, err: err}
		}()
	}
	stopPending := func() {
		for i := 1; i < n; i++ {
			if !started[i] {
				timers[i].Stop()
				started[i] = true
				h.cancelledBeforeStart.Add(1)
			}
		}
	}

	start(0)
	for i := 1; i < n; i++ {
		timers[i] = time.AfterFunc(h.config.Delay*time.Duration(i), func() { fire <- i })
	}

	for {
		select {
		case i := <-fire:
			if !started[i] {
				start(i)
			}

		case r := <-results:
			running--
			if r.err == nil {
				cancel()
				stopPending()
				if r.index == 0 {
					h.primaryWins.Add(1)
				} else {
					h.hedgeWins.Add(1)
					if r.resp != nil {
						r.resp.Hedged = true
					}
				}
				return r.resp, nil
			}

			errs[r.index] = r.err
			failed++
			if failed == n {
				h.allFailed.Add(1)
				return nil, &AllAttemptsFailedError{Errors: errs, LastError: r.err}
			}
			if running == 0 {
				for i := 1; i < n; i++ {
					if !started[i] {
						timers[i].Stop()
						start(i)
						break
					}
				}
			}

		case <-ctx.Done():
			stopPending()
			return nil, ctx.Err()
		}
	}
}

type firstChunk struct {
	index  int
	stream <-chan *providers.StreamChunk
	chunk  *providers.StreamChunk // nil when the stream ended without chunks
	err    error
}

// ExecuteStream races at most two streams: the primary starts at once and a
// hedge starts after Delay if the primary has produced no chunk yet, or
// immediately if the primary fails before its first chunk. It blocks until
// one stream yields its first chunk and then forwards only that stream.
func (h *Hedger) ExecuteStream(ctx context.Context, attempts []StreamAttempt) (<-chan *providers.StreamChunk, error) {
	if len(attempts) == 0 {
		return nil, ErrNoAttempts
	}
	h.requests.Add(1)

	if !h.config.Enabled || len(attempts) == 1 || h.config.MaxParallel < 2 {
		h.unhedged.Add(1)
		return attempts[0](ctx)
	}

	var (
		ctxs     [2]context.Context
		cancels  [2]context.CancelFunc
		started  [2]bool
		reported [2]bool
		errs     = make([]error, 2)
	)
	for i := range ctxs {
		ctxs[i], cancels[i] = context.WithCancel(ctx)
	}

	first := make(chan firstChunk, 2)
	open := func(i int) {
		started[i] = true
		if i > 0 {
			h.hedgesLaunched.Add(1)
			h.logger.Debug("hedge stream started")
		}
		go func() {
			stream, err := attempts[i](ctxs[i])
			if err != nil {
				first <- firstChunk{index: i, err: err}
				return
			}
			select {
			case chunk, ok := <-stream:
				switch {
				case !ok:
					first <- firstChunk{index: i, stream: stream}
				case chunk != nil && chunk.Error != nil:
					first <- firstChunk{index: i, err: chunk.Error}
					go drain(stream)
				default:
					first <- firstChunk{index: i, stream: stream, chunk: chunk}
				}
			case <-ctxs[i].Done():
				first <- firstChunk{index: i, err: ctxs[i].Err()}
				go drain(stream)
			}
		}()
	}

	timer := time.NewTimer(h.config.Delay)
	defer timer.Stop()

	open(0)
	for {
		select {
		case <-timer.C:
			if !started[1] {
				open(1)
			}

		case ev := <-first:
			reported[ev.index] = true
			if ev.err != nil {
				errs[ev.index] = ev.err
				cancels[ev.index]()
				if !started[1] {
					timer.Stop()
					open(1)
					continue
				}
				if reported[0] && reported[1] {
					h.allFailed.Add(1)
					return nil, &AllAttemptsFailedError{Errors: errs, LastError: ev.err}
				}
				continue
			}

			loser := 1 - ev.index
			cancels[loser]()
			switch {
			case !started[loser]:
				h.cancelledBeforeStart.Add(1)
			case !reported[loser]:
				go discard(first, 1)
			}
			if ev.index == 0 {
				h.primaryWins.Add(1)
			} else {
				h.hedgeWins.Add(1)
			}
			return h.forward(ctx, ev, cancels[ev.index]), nil

		case <-ctx.Done():
			pending := 0
			for i := range cancels {
				cancels[i]()
				if started[i] && !reported[i] {
					pending++
				}
			}
			if !started[1] {
				h.cancelledBeforeStart.Add(1)
			}
			go discard(first, pending)
			return nil, ctx.Err()
		}
	}
}

// discard drains the streams of n attempts that report after the race ended.
func discard(first <-chan firstChunk, n int) {
	for range n {
		if late := <-first; late.stream != nil {
			drain(late.stream)
		}
	}
}

// forward relays the winning stream, starting with its first chunk.
func (h *Hedger) forward(ctx context.Context, win firstChunk, cancel context.CancelFunc) <-chan *providers.StreamChunk {
	out := make(chan *providers.StreamChunk)

	go func() {
		defer close(out)
		defer cancel()

		if win.chunk == nil {
			return
		}
		select {
		case out <- win.chunk:
		case <-ctx.Done():
			go drain(win.stream)
			return
		}

		for chunk := range win.stream {
			select {
			case out <- chunk:
			case <-ctx.Done():
				go drain(win.stream)
				return
			}
		}
	}()

	return out
}

// Stats returns a snapshot of the hedging counters.
func (h *Hedger) Stats() Stats {
	return Stats{
		Requests:             h.requests.Load(),
		Unhedged:             h.unhedged.Load(),
		PrimaryWins:          h.primaryWins.Load(),
		HedgeWins:            h.hedgeWins.Load(),
		HedgesLaunched:       h.hedgesLaunched.Load(),
		CancelledBeforeStart: h.cancelledBeforeStart.Load(),
		AllFailed:            h.allFailed.Load(),
	}
}

func drain(stream <-chan *providers.StreamChunk) {
	for range stream {
	}
}
