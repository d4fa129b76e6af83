package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"mercator-hq/relay/pkg/limits/queue"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing/circuit"
	"mercator-hq/relay/pkg/routing/hedging"
)

// ExecuteStream is the streaming form of Execute. Errors found before any
// provider is tried are returned directly; later failures arrive as a final
// chunk with Error set. A stream that fails before the failover buffer
// limit is restarted on another provider.
func (e *Engine) ExecuteStream(ctx context.Context, req *providers.Request) (<-chan *providers.StreamChunk, error) {
	start := time.Now()
	stream, err := e.executeStream(ctx, req, ModeStream, start)
	if err != nil {
		e.finish(ModeStream, req, start, err)
		return nil, err
	}
	return stream, nil
}

func (e *Engine) executeStream(ctx context.Context, req *providers.Request, mode Mode, start time.Time) (<-chan *providers.StreamChunk, error) {
	if e.streamExecutor == nil {
		return nil, ErrStreamingUnsupported
	}
	prio, strategy, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	primary, err := e.selectPrimary(req, strategy)
	if err != nil {
		return nil, err
	}
	return e.streamFrom(ctx, req, prio, primary, mode, start), nil
}

// streamFrom runs the streaming failover loop starting at primary, whose
// in-flight slot the caller already holds.
func (e *Engine) streamFrom(ctx context.Context, req *providers.Request, prio queue.Priority, primary string, mode Mode, start time.Time) <-chan *providers.StreamChunk {
	var primaryUsed atomic.Bool
	attempt := func(ctx context.Context, provider string) (<-chan *providers.StreamChunk, error) {
		if provider == primary && primaryUsed.CompareAndSwap(false, true) {
			return e.openStream(ctx, provider, req, prio, false), nil
		}
		if !e.balancer.Acquire(provider) {
			return nil, &providers.AdmissionError{Provider: provider, Reason: providers.ErrAtCapacity}
		}
		return e.openStream(ctx, provider, req, prio, false), nil
	}

	out := e.failover.ExecuteStream(ctx, attempt, e.failoverOptions(req, primary))
	return e.watch(ctx, mode, req, start, out, func() {
		if !primaryUsed.Load() {
			e.balancer.Release(primary)
		}
	})
}

// ExecuteHedgedStream races the primary stream against one hedge stream and
// forwards whichever produces a chunk first. It blocks until that happens.
// With hedging disabled, or when only one provider is usable, it behaves
// like ExecuteStream.
func (e *Engine) ExecuteHedgedStream(ctx context.Context, req *providers.Request) (<-chan *providers.StreamChunk, error) {
	start := time.Now()
	stream, err := e.executeHedgedStream(ctx, req, start)
	if err != nil {
		e.finish(ModeHedgeStream, req, start, err)
		return nil, err
	}
	return stream, nil
}

func (e *Engine) executeHedgedStream(ctx context.Context, req *providers.Request, start time.Time) (<-chan *providers.StreamChunk, error) {
	if !e.hedger.Enabled() {
		return e.executeStream(ctx, req, ModeHedgeStream, start)
	}
	if e.streamExecutor == nil {
		return nil, ErrStreamingUnsupported
	}
	prio, strategy, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	primary, err := e.selectPrimary(req, strategy)
	if err != nil {
		return nil, err
	}

	targets := append([]string{primary}, e.hedgeTargets(req, primary, 1)...)
	if len(targets) == 1 {
		return e.streamFrom(ctx, req, prio, primary, ModeHedgeStream, start), nil
	}

	attempts := make([]hedging.StreamAttempt, len(targets))
	for i, provider := range targets {
		attempts[i] = func(ctx context.Context) (<-chan *providers.StreamChunk, error) {
			if i > 0 && !e.balancer.Acquire(provider) {
				return nil, &providers.AdmissionError{Provider: provider, Reason: providers.ErrAtCapacity}
			}
			if !e.breaker.CanExecute(provider) {
				e.balancer.Release(provider)
				return nil, fmt.Errorf("provider %q: %w", provider, circuit.ErrCircuitOpen)
			}
			return e.openStream(ctx, provider, req, prio, true), nil
		}
	}

	stream, err := e.hedger.ExecuteStream(ctx, attempts)
	if err != nil {
		return nil, err
	}
	return e.watch(ctx, ModeHedgeStream, req, start, stream, nil), nil
}

// openStream queues a streamed attempt on provider. The queue slot is held
// until the upstream stream ends. Admission and upstream failures are
// delivered as a final error chunk. The caller must hold an in-flight slot
// on provider; it is settled when the stream ends. With record set the
// outcome is also fed to the circuit breaker.
func (e *Engine) openStream(ctx context.Context, provider string, req *providers.Request, prio queue.Priority, record bool) <-chan *providers.StreamChunk {
	out := make(chan *providers.StreamChunk)

	go func() {
		defer close(out)

		ctx := attemptContext(ctx, provider, req)
		start := time.Now()
		resp, err := e.queue.Enqueue(ctx, provider, func(ctx context.Context) (*providers.Response, error) {
			callStart := time.Now()
			stream, err := e.streamExecutor(ctx, provider, req)
			if err != nil {
				return nil, err
			}

			resp := &providers.Response{Provider: provider}
			for chunk := range stream {
				if chunk == nil {
					continue
				}
				if chunk.Error != nil {
					go drain(stream)
					return nil, chunk.Error
				}
				if resp.Latency == 0 {
					resp.Latency = time.Since(callStart)
				}
				if chunk.Provider == "" {
					chunk.Provider = provider
				}
				resp.Units += chunk.Units

				select {
				case out <- chunk:
				case <-ctx.Done():
					go drain(stream)
					return nil, ctx.Err()
				}
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if resp.Latency == 0 {
				resp.Latency = time.Since(callStart)
			}
			return resp, nil
		}, queue.EnqueueOptions{Priority: prio, Timeout: req.Timeout})

		e.settle(provider, resp, err, time.Since(start))
		if record {
			e.recordCircuit(provider, err)
		}
		if err != nil {
			e.logAttemptFailure(ctx, err)
			select {
			case out <- &providers.StreamChunk{Provider: provider, Error: err}:
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// watch forwards in to the caller and reports the request outcome once the
// stream ends. done, if set, runs before the outcome is reported.
func (e *Engine) watch(ctx context.Context, mode Mode, req *providers.Request, start time.Time, in <-chan *providers.StreamChunk, done func()) <-chan *providers.StreamChunk {
	out := make(chan *providers.StreamChunk)

	go func() {
		defer close(out)

		var err error
		defer func() {
			if done != nil {
				done()
			}
			e.finish(mode, req, start, err)
		}()

		for chunk := range in {
			if chunk.Error != nil {
				err = chunk.Error
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				err = ctx.Err()
				drain(in)
				return
			}
		}
	}()

	return out
}

func drain(stream <-chan *providers.StreamChunk) {
	for range stream {
	}
}
