// Package metrics provides Prometheus metrics for the routing engine.
//
// # Overview
//
// A Collector owns a Prometheus registry and implements engine.Observer.
// Pass it to the engine with engine.WithObserver and it counts calls,
// attempts, failovers and circuit transitions as they happen. Call
// RegisterEngine to also export gauges read from engine.Stats at scrape
// time: circuit state, computed weights, p95 latency, in-flight slots, queue
// depth, and the failover and hedging counters.
//
// # Metrics Categories
//
//   - Request Metrics: calls by mode and status, end-to-end duration, errors
//   - Provider Metrics: attempts, attempt latency, errors by type
//   - Routing Metrics: failovers between providers, circuit transitions
//   - State Metrics: scrape-time view of breaker, balancer and queue state
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	eng, err := engine.New(engineCfg, exec, engine.WithObserver(collector))
//	if err != nil {
//		return err
//	}
//	collector.RegisterEngine(eng)
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// # Cardinality
//
// Provider labels are bounded by configuration. Failover from/to pairs are
// capped by a CardinalityLimiter; pairs beyond the cap are recorded as
// "other".
package metrics
