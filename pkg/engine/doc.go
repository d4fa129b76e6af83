// Package engine composes the routing components into one request path.
//
// An Engine owns a circuit breaker, an adaptive load balancer, a per-provider
// request queue, a failover coordinator, and a hedger. For every request it:
//
//  1. selects a primary provider with the balancer, skipping providers whose
//     circuit is open or whose queue is full,
//  2. queues the attempt on that provider, subject to its concurrency cap
//     and request rate,
//  3. records the outcome with the balancer and the circuit breaker, and
//  4. fails over to the next ranked provider on retryable errors.
//
// ExecuteHedged and ExecuteHedgedStream race staggered attempts on several
// providers instead of failing over sequentially.
//
// The engine never talks to upstreams itself. Callers supply a
// providers.Executor, and optionally a providers.StreamExecutor:
//
//	eng, err := engine.New(engine.DefaultConfig(), exec,
//		engine.WithStreamExecutor(streamExec),
//		engine.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	eng.RegisterProvider(engine.ProviderConfig{ID: "openai", Weight: 2})
//	eng.Start(ctx)
//	defer eng.Close()
//
//	resp, err := eng.Execute(ctx, &providers.Request{Model: "gpt-4o", Payload: body})
package engine
