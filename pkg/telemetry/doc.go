// Package telemetry groups the observability packages of the router.
//
// # Components
//
//   - logging: slog logger construction, context fields, secret redaction
//   - metrics: Prometheus collector implementing engine.Observer
//   - health: liveness and readiness endpoints backed by the engine
//   - reporter: periodic structured summary of engine activity
//   - history: SQLite store of per-provider snapshots taken by the reporter
//
// Each component is configured from the telemetry section of the config
// file and wired together by the run command.
package telemetry
