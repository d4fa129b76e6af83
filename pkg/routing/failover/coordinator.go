package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing/circuit"
)

// Breaker is the circuit gate consulted before every attempt.
type Breaker interface {
	CanExecute(provider string) bool
	RecordSuccess(provider string)
	RecordFailure(provider string, err error)
}

// Ranker orders failover targets, most preferred first.
type Ranker interface {
	Rank(ids []string) []string
}

// Attempt performs one unary call against provider.
type Attempt func(ctx context.Context, provider string) (*providers.Response, error)

// StreamAttempt opens one streamed call against provider.
type StreamAttempt func(ctx context.Context, provider string) (<-chan *providers.StreamChunk, error)

// Config contains failover settings.
type Config struct {
	// MaxRetries is the number of failovers after the first attempt.
	// Default: 3
	MaxRetries int

	// BufferSize is the number of chunks after which a failed stream is no
	// longer restarted on another provider. Default: 50
	BufferSize int
}

// DefaultConfig returns the default failover settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BufferSize: 50,
	}
}

// Options describes one failover-protected call.
type Options struct {
	// Provider is the first provider to try. Empty means the best-ranked
	// executable entry of Available.
	Provider string

	// Available lists the providers eligible as failover targets.
	Available []string

	// Eligible further filters failover targets, e.g. by queue admission.
	Eligible func(id string) bool

	// OnFailover is called before switching providers. Its errors are
	// logged and otherwise ignored.
	OnFailover func(from, to string, cause error) error
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Attempts               int64 `json:"attempts"`
	Successes              int64 `json:"successes"`
	Failovers              int64 `json:"failovers"`
	Exhausted              int64 `json:"exhausted"`
	NonRetryable           int64 `json:"non_retryable"`
	CircuitRejections      int64 `json:"circuit_rejections"`
	StreamRestarts         int64 `json:"stream_restarts"`
	StreamBoundaryFailures int64 `json:"stream_boundary_failures"`
}

// Coordinator retries calls across providers on retryable failures.
type Coordinator struct {
	config  Config
	breaker Breaker
	ranker  Ranker
	logger  *slog.Logger

	attempts               atomic.Int64
	successes              atomic.Int64
	failovers              atomic.Int64
	exhausted              atomic.Int64
	nonRetryable           atomic.Int64
	circuitRejections      atomic.Int64
	streamRestarts         atomic.Int64
	streamBoundaryFailures atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New creates a Coordinator. ranker may be nil, in which case failover
// targets are tried in the order given by Options.Available.
func New(cfg Config, breaker Breaker, ranker Ranker, opts ...Option) *Coordinator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	c := &Coordinator{
		config:  cfg,
		breaker: breaker,
		ranker:  ranker,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "routing.failover")
	}
	return c
}

// Execute runs attempt against opts.Provider and fails over to other
// providers on retryable errors, for at most MaxRetries+1 attempts.
//
// A provider whose circuit refuses the call counts as a failed attempt.
// Non-retryable errors are returned as-is after the first failure. When the
// budget or the candidates run out, an *ExhaustedError wrapping the last
// error is returned.
func (c *Coordinator) Execute(ctx context.Context, attempt Attempt, opts Options) (*providers.Response, error) {
	run := &run{c: c, opts: opts, excluded: make(map[string]bool)}
	if err := run.start(); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, run.abort(err)
		}

		provider := run.current
		err := run.gate()
		if err == nil {
			var resp *providers.Response
			resp, err = attempt(ctx, provider)
			if err == nil {
				c.breaker.RecordSuccess(provider)
				c.successes.Add(1)
				if resp != nil {
					resp.Attempts = run.attempts
					if resp.Provider == "" {
						resp.Provider = provider
					}
				}
				return resp, nil
			}
			c.recordFailure(provider, err)
		}

		if stop := run.advance(err); stop != nil {
			return nil, stop
		}
	}
}

// ExecuteStream is the streaming form of Execute. Chunks are forwarded as
// they arrive. A stream that fails before BufferSize chunks were forwarded
// is restarted from scratch on the next provider; output already forwarded
// is not retracted. At or past BufferSize the error is delivered instead.
//
// The returned channel is closed when the call ends; a terminal failure is
// delivered as a final chunk with Error set.
func (c *Coordinator) ExecuteStream(ctx context.Context, attempt StreamAttempt, opts Options) <-chan *providers.StreamChunk {
	out := make(chan *providers.StreamChunk)

	go func() {
		defer close(out)

		fail := func(provider string, err error) {
			select {
			case out <- &providers.StreamChunk{Provider: provider, Error: err}:
			case <-ctx.Done():
			}
		}

		run := &run{c: c, opts: opts, excluded: make(map[string]bool)}
		if err := run.start(); err != nil {
			fail("", err)
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				fail(run.current, run.abort(err))
				return
			}

			provider := run.current
			yielded := 0
			err := run.gate()
			if err == nil {
				yielded, err = c.forward(ctx, attempt, provider, out)
				if err == nil {
					c.breaker.RecordSuccess(provider)
					c.successes.Add(1)
					return
				}
				if ctx.Err() != nil {
					return
				}
				c.recordFailure(provider, err)
			}

			if yielded >= c.config.BufferSize {
				c.streamBoundaryFailures.Add(1)
				c.logger.Warn("stream failed after buffer limit, not restarting",
					"provider", provider,
					"chunks", yielded,
					"buffer_size", c.config.BufferSize,
					"error", err,
				)
				fail(provider, err)
				return
			}

			if stop := run.advance(err); stop != nil {
				fail(provider, stop)
				return
			}
			if yielded > 0 {
				c.streamRestarts.Add(1)
			}
		}
	}()

	return out
}

// forward opens one stream and copies its chunks to out. It returns the
// number of chunks forwarded and the stream's error, if any.
func (c *Coordinator) forward(ctx context.Context, attempt StreamAttempt, provider string, out chan<- *providers.StreamChunk) (int, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := attempt(attemptCtx, provider)
	if err != nil {
		return 0, err
	}

	yielded := 0
	for chunk := range stream {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			go drain(stream)
			return yielded, chunk.Error
		}
		if chunk.Provider == "" {
			chunk.Provider = provider
		}

		select {
		case out <- chunk:
			yielded++
		case <-ctx.Done():
			go drain(stream)
			return yielded, ctx.Err()
		}
	}
	return yielded, nil
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Attempts:               c.attempts.Load(),
		Successes:              c.successes.Load(),
		Failovers:              c.failovers.Load(),
		Exhausted:              c.exhausted.Load(),
		NonRetryable:           c.nonRetryable.Load(),
		CircuitRejections:      c.circuitRejections.Load(),
		StreamRestarts:         c.streamRestarts.Load(),
		StreamBoundaryFailures: c.streamBoundaryFailures.Load(),
	}
}

// recordFailure feeds an upstream failure to the breaker. Admission
// rejections and caller cancellation never reached the provider and are
// not recorded.
func (c *Coordinator) recordFailure(provider string, err error) {
	if providers.IsAdmission(err) || errors.Is(err, context.Canceled) {
		return
	}
	c.breaker.RecordFailure(provider, err)
}

// next returns the best-ranked provider that is not excluded, passes the
// circuit gate, and passes opts.Eligible.
func (c *Coordinator) next(opts Options, excluded map[string]bool) string {
	candidates := opts.Available
	if c.ranker != nil {
		candidates = c.ranker.Rank(candidates)
	}
	for _, id := range candidates {
		if excluded[id] {
			continue
		}
		if opts.Eligible != nil && !opts.Eligible(id) {
			continue
		}
		if !c.breaker.CanExecute(id) {
			continue
		}
		return id
	}
	return ""
}

func (c *Coordinator) notifyFailover(opts Options, from, to string, cause error) {
	c.failovers.Add(1)
	c.logger.Info("failing over",
		"from", from,
		"to", to,
		"error", cause,
	)

	if opts.OnFailover == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("failover hook panicked", "from", from, "to", to, "panic", r)
		}
	}()
	if err := opts.OnFailover(from, to, cause); err != nil {
		c.logger.Warn("failover hook failed", "from", from, "to", to, "error", err)
	}
}

// retryable reports whether err allows trying another provider.
func retryable(err error) bool {
	return errors.Is(err, circuit.ErrCircuitOpen) ||
		providers.IsAdmission(err) ||
		providers.IsRetryable(err)
}

func drain(stream <-chan *providers.StreamChunk) {
	for range stream {
	}
}

// run is the state of one failover-protected call.
type run struct {
	c        *Coordinator
	opts     Options
	current  string
	excluded map[string]bool
	tried    []string
	attempts int
	lastErr  error
}

func (r *run) start() error {
	r.current = r.opts.Provider
	if r.current == "" {
		r.current = r.c.next(r.opts, r.excluded)
	}
	if r.current == "" {
		return ErrNoCandidates
	}
	return nil
}

// gate counts the attempt and applies the circuit check.
func (r *run) gate() error {
	r.attempts++
	r.tried = append(r.tried, r.current)
	r.c.attempts.Add(1)

	if !r.c.breaker.CanExecute(r.current) {
		r.c.circuitRejections.Add(1)
		return fmt.Errorf("provider %q: %w", r.current, circuit.ErrCircuitOpen)
	}
	return nil
}

// advance handles a failed attempt. It returns the error to surface when
// the call must stop, or nil after switching to the next provider.
func (r *run) advance(err error) error {
	r.lastErr = err

	if !retryable(err) {
		r.c.nonRetryable.Add(1)
		r.c.logger.Debug("non-retryable error, not failing over",
			"provider", r.current,
			"error", err,
		)
		return err
	}

	r.excluded[r.current] = true
	if r.attempts > r.c.config.MaxRetries {
		return r.exhaust()
	}

	next := r.c.next(r.opts, r.excluded)
	if next == "" {
		return r.exhaust()
	}

	r.c.notifyFailover(r.opts, r.current, next, err)
	r.current = next
	return nil
}

func (r *run) exhaust() error {
	r.c.exhausted.Add(1)
	r.c.logger.Warn("failover exhausted",
		"attempts", r.attempts,
		"providers", r.tried,
		"error", r.lastErr,
	)
	return &ExhaustedError{
		Attempts:  r.attempts,
		Providers: append([]string(nil), r.tried...),
		LastError: r.lastErr,
	}
}

// abort picks the error to return when the caller's context ends.
func (r *run) abort(ctxErr error) error {
	if r.lastErr != nil {
		return r.lastErr
	}
	return ctxErr
}
