// Package server provides the admin HTTP server of the routing engine.
//
// The server exposes probes, Prometheus metrics, engine state and the
// operator controls of the routing components, plus an execute endpoint
// that pushes a request through the engine with the configured executor.
//
// # Basic Usage
//
//	srv := server.New(cfg.Server, eng,
//	    server.WithMetrics(cfg.Telemetry.Metrics.Path, collector.Handler()),
//	    server.WithHealthChecker(checker),
//	    server.WithVersion(version, commit, buildTime),
//	)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//
// Start blocks until ctx is cancelled and then shuts down gracefully,
// waiting up to ShutdownTimeout for in-flight requests.
//
// # Routes
//
//   - GET /health - Liveness probe (always returns 200)
//   - GET /ready - Readiness probe (503 when no provider can execute)
//   - GET /version - Build information
//   - GET /metrics - Prometheus exposition
//   - GET /v1/stats - Engine snapshot
//   - GET /v1/providers/{id} - Balancer snapshot and circuit status
//   - PUT /v1/providers/{id}/health - Mark a provider healthy or unhealthy
//   - POST /v1/providers/{id}/circuit/reset - Close a provider's circuit
//   - POST /v1/providers/{id}/queue/clear - Fail every queued request
//   - POST /v1/execute - Run a request (unary, stream, hedge, hedge_stream)
//
// Stream modes answer with newline-delimited JSON, one StreamEvent per line,
// flushed as chunks arrive. A failure after the stream started is reported
// as a final event carrying an error object.
//
// # Error Responses
//
// Errors are JSON objects of the form {"error": {"type": ..., "message": ...}}.
// Validation problems map to 400, unknown providers to 404, admission
// rejections and upstream rate limits to 429, exhausted failover to 502,
// nothing routable to 503 and deadlines to 504.
//
// # Middleware Chain
//
// Requests pass through the following middleware (outermost first):
//  1. Recovery: Recovers from panics and returns 500 error
//  2. RequestID: Assigns the X-Request-ID used in every log line
//  3. Logging: Logs request/response details
package server
