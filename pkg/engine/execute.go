package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mercator-hq/relay/pkg/limits/queue"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/routing/circuit"
	"mercator-hq/relay/pkg/routing/failover"
	"mercator-hq/relay/pkg/routing/hedging"
	"mercator-hq/relay/pkg/telemetry/logging"
)

// Execute routes req to a provider chosen by the balancer and fails over
// to other candidates on retryable errors.
//
// The returned error is one of: a *providers.ValidationError for a
// malformed request, a *routing.NoProviderAvailableError when nothing can
// be selected, the provider's own error when it is not retryable, or a
// *failover.ExhaustedError wrapping the last failure.
func (e *Engine) Execute(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	start := time.Now()
	resp, err := e.execute(ctx, req)
	e.finish(ModeUnary, req, start, err)
	return resp, err
}

func (e *Engine) execute(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	prio, strategy, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	primary, err := e.selectPrimary(req, strategy)
	if err != nil {
		return nil, err
	}
	return e.executeFrom(ctx, req, prio, primary)
}

// executeFrom runs the failover loop starting at primary, whose in-flight
// slot the caller already holds.
func (e *Engine) executeFrom(ctx context.Context, req *providers.Request, prio queue.Priority, primary string) (*providers.Response, error) {
	primaryUsed := false
	attempt := func(ctx context.Context, provider string) (*providers.Response, error) {
		if provider == primary && !primaryUsed {
			primaryUsed = true
		} else if !e.balancer.Acquire(provider) {
			return nil, &providers.AdmissionError{Provider: provider, Reason: providers.ErrAtCapacity}
		}
		return e.dispatch(ctx, provider, req, prio)
	}

	resp, err := e.failover.Execute(ctx, attempt, e.failoverOptions(req, primary))
	if !primaryUsed {
		e.balancer.Release(primary)
	}
	if err != nil {
		return nil, err
	}
	resp.ID = req.ID
	return resp, nil
}

// ExecuteHedged races req against up to Hedging.MaxParallel providers with
// staggered starts and returns the first success. With hedging disabled, or
// when only one provider is usable, it behaves like Execute.
func (e *Engine) ExecuteHedged(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	start := time.Now()
	resp, err := e.executeHedged(ctx, req)
	e.finish(ModeHedge, req, start, err)
	return resp, err
}

func (e *Engine) executeHedged(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if !e.hedger.Enabled() {
		return e.execute(ctx, req)
	}

	prio, strategy, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	primary, err := e.selectPrimary(req, strategy)
	if err != nil {
		return nil, err
	}

	targets := append([]string{primary}, e.hedgeTargets(req, primary, e.hedger.MaxParallel()-1)...)
	if len(targets) == 1 {
		return e.executeFrom(ctx, req, prio, primary)
	}

	attempts := make([]hedging.Attempt, len(targets))
	for i, provider := range targets {
		attempts[i] = func(ctx context.Context) (*providers.Response, error) {
			if i > 0 && !e.balancer.Acquire(provider) {
				return nil, &providers.AdmissionError{Provider: provider, Reason: providers.ErrAtCapacity}
			}
			if !e.breaker.CanExecute(provider) {
				e.balancer.Release(provider)
				return nil, fmt.Errorf("provider %q: %w", provider, circuit.ErrCircuitOpen)
			}

			resp, err := e.dispatch(ctx, provider, req, prio)
			e.recordCircuit(provider, err)
			if err != nil {
				return nil, err
			}
			resp.Provider = provider
			resp.Attempts = 1
			return resp, nil
		}
	}

	resp, err := e.hedger.Execute(ctx, attempts)
	if err != nil {
		return nil, err
	}
	resp.ID = req.ID
	return resp, nil
}

// dispatch queues one attempt on provider and settles the balancer slot.
// The caller must hold an in-flight slot on provider.
func (e *Engine) dispatch(ctx context.Context, provider string, req *providers.Request, prio queue.Priority) (*providers.Response, error) {
	ctx = attemptContext(ctx, provider, req)
	start := time.Now()
	resp, err := e.queue.Enqueue(ctx, provider, func(ctx context.Context) (*providers.Response, error) {
		if e.config.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.config.AttemptTimeout)
			defer cancel()
		}

		callStart := time.Now()
		resp, err := e.executor(ctx, provider, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = &providers.Response{}
		}
		if resp.Latency <= 0 {
			resp.Latency = time.Since(callStart)
		}
		return resp, nil
	}, queue.EnqueueOptions{Priority: prio, Timeout: req.Timeout})

	e.settle(provider, resp, err, time.Since(start))
	if err != nil {
		e.logAttemptFailure(ctx, err)
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = provider
	}
	return resp, nil
}

// attemptContext tags ctx with the log fields of one upstream attempt. The
// executor receives it, so its *Context log calls carry them too.
func attemptContext(ctx context.Context, provider string, req *providers.Request) context.Context {
	if logging.GetRequestID(ctx) == "" && req.ID != "" {
		ctx = logging.WithRequestID(ctx, req.ID)
	}
	ctx = logging.WithProvider(ctx, provider)
	if req.Model != "" {
		ctx = logging.WithModel(ctx, req.Model)
	}
	return ctx
}

func (e *Engine) logAttemptFailure(ctx context.Context, err error) {
	e.logger.DebugContext(ctx, "attempt failed",
		"error", err,
		"error_type", providers.ErrorType(err),
		"admission", providers.IsAdmission(err),
	)
}

// settle releases the in-flight slot taken for an attempt. Upstream outcomes
// are recorded with the balancer; attempts that never reached the provider
// only give the slot back.
func (e *Engine) settle(provider string, resp *providers.Response, err error, elapsed time.Duration) {
	switch {
	case err == nil:
		latency, units := elapsed, 0
		if resp != nil {
			latency, units = resp.Latency, resp.Units
		}
		e.balancer.RecordResult(provider, latency, true, units)
		e.observer.ObserveAttempt(provider, latency, nil)
	case notAttempted(err):
		e.balancer.Release(provider)
		e.observer.ObserveAttempt(provider, elapsed, err)
	default:
		e.balancer.RecordResult(provider, elapsed, false, 0)
		e.observer.ObserveAttempt(provider, elapsed, err)
	}
}

// recordCircuit feeds an attempt outcome to the breaker for paths that do
// not go through the failover coordinator.
func (e *Engine) recordCircuit(provider string, err error) {
	switch {
	case err == nil:
		e.breaker.RecordSuccess(provider)
	case notAttempted(err):
	default:
		e.breaker.RecordFailure(provider, err)
	}
}

// notAttempted reports whether err means the provider never served the
// attempt: an admission rejection or the caller giving up.
func notAttempted(err error) bool {
	return providers.IsAdmission(err) || errors.Is(err, context.Canceled)
}

// prepare validates req and fills in its id.
func (e *Engine) prepare(req *providers.Request) (queue.Priority, routing.Strategy, error) {
	if req == nil {
		return 0, "", &providers.ValidationError{Field: "request", Message: "request is required"}
	}
	if e.closed.Load() {
		return 0, "", ErrClosed
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	prio, err := queue.ParsePriority(req.Priority)
	if err != nil {
		return 0, "", &providers.ValidationError{Field: "priority", Message: err.Error()}
	}

	var strategy routing.Strategy
	if req.Strategy != "" {
		strategy, err = routing.ParseStrategy(req.Strategy)
		if err != nil {
			return 0, "", &providers.ValidationError{Field: "strategy", Message: err.Error()}
		}
	}
	return prio, strategy, nil
}

// selectPrimary picks the first provider for req among candidates whose
// circuit allows traffic and whose queue admits work. It takes an in-flight
// slot on the chosen provider.
func (e *Engine) selectPrimary(req *providers.Request, strategy routing.Strategy) (string, error) {
	snap, err := e.balancer.SelectFrom(routing.SelectRequest{
		Model:      req.Model,
		Strategy:   strategy,
		Candidates: req.Candidates,
		Exclude: func(id string) bool {
			return !e.breaker.CanExecute(id) || !e.queue.CanAdmit(id)
		},
	})
	if err != nil {
		return "", err
	}

	e.logger.Debug("primary provider selected",
		"request_id", req.ID,
		"provider", snap.ID,
		"model", req.Model,
	)
	return snap.ID, nil
}

// candidates returns the provider ids req may be routed to.
func (e *Engine) candidates(req *providers.Request) []string {
	if req.Candidates != nil {
		return req.Candidates
	}
	return e.balancer.Providers()
}

func (e *Engine) failoverOptions(req *providers.Request, primary string) failover.Options {
	return failover.Options{
		Provider:  primary,
		Available: e.candidates(req),
		Eligible: func(id string) bool {
			return e.balancer.Routable(id, req.Model) && e.queue.CanAdmit(id)
		},
		OnFailover: func(from, to string, cause error) error {
			e.observer.ObserveFailover(from, to)
			e.logger.Info("request failing over",
				"request_id", req.ID,
				"from", from,
				"to", to,
				"error_type", providers.ErrorType(cause),
			)
			return nil
		},
	}
}

// hedgeTargets returns up to n ranked providers other than primary that can
// take a hedge for req right now.
func (e *Engine) hedgeTargets(req *providers.Request, primary string, n int) []string {
	if n <= 0 {
		return nil
	}
	var out []string
	for _, id := range e.balancer.Rank(e.candidates(req)) {
		if id == primary {
			continue
		}
		if !e.balancer.Routable(id, req.Model) || !e.breaker.CanExecute(id) || !e.queue.CanAdmit(id) {
			continue
		}
		out = append(out, id)
		if len(out) == n {
			break
		}
	}
	return out
}
