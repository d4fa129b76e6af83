// Package providers defines the provider-agnostic request, response and
// error types shared by the routing engine and its transports.
//
// # Overview
//
// The engine never talks to an upstream itself. Callers supply an Executor,
// and optionally a StreamExecutor, that performs one call against a named
// provider. The engine decides which provider to call, how often, and what
// to do when a call fails.
//
//	exec := func(ctx context.Context, provider string, req *providers.Request) (*providers.Response, error) {
//		return client.Call(ctx, provider, req.Payload)
//	}
//	eng, err := engine.New(engine.DefaultConfig(), exec)
//
// # Streaming
//
// A StreamExecutor returns a channel of StreamChunk. The channel is closed
// when the stream ends; a chunk carrying Error is always the last one.
//
//	for chunk := range stream {
//		if chunk.Error != nil {
//			return chunk.Error
//		}
//		fmt.Print(chunk.Delta)
//	}
//
// # Errors
//
// Executors should return the typed errors in this package so failures are
// classified correctly:
//
//   - RateLimitError, TimeoutError, ConnectionError and a ProviderError with
//     a 5xx status are retryable and count against the circuit breaker
//   - AuthError, ValidationError and ContentFilterError are returned to the
//     caller without failover
//   - AdmissionError marks a request the local queue refused; it triggers
//     failover but never trips a circuit
//
// IsRetryable and ErrorType expose the classification to transports and
// metrics.
package providers
