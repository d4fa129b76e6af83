// Package health provides liveness, readiness and version endpoints.
//
// # Endpoints
//
//   - /health: liveness, 200 while the process runs
//   - /ready: readiness, runs the registered checks
//   - /version: build information
//
// # Checks
//
// A Checker runs registered checks concurrently, each bounded by a timeout.
// Critical checks gate readiness: if one fails, /ready answers 503 with
// status "unhealthy". Advisory checks only mark the process "degraded" and
// /ready still answers 200.
//
// RegisterEngineChecks wires the routing engine:
//
//   - routing (critical): at least one provider is healthy with a circuit
//     that is not open
//   - circuits (advisory): no circuit is open
//
// # Usage
//
//	checker := health.New(2 * time.Second)
//	health.RegisterEngineChecks(checker, eng)
//	health.Register(mux, checker, version, commit, buildTime)
package health
