// Package failover retries provider calls across providers.
//
// A Coordinator starts on the caller's primary provider. Each failed
// attempt with a retryable error (see providers.IsRetryable) excludes the
// provider and moves to the best-ranked remaining candidate whose circuit
// allows traffic. Non-retryable errors end the call at once. Circuit
// refusals and admission rejections also move on, but only upstream
// failures are reported to the circuit breaker.
//
// Streams follow the same rules until BufferSize chunks have reached the
// caller; after that a failure is returned instead of restarting, since a
// new stream would repeat delivered output.
package failover
