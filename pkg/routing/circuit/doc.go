// Package circuit implements a per-provider circuit breaker.
//
// Each provider gets its own CLOSED / OPEN / HALF_OPEN state machine:
//
//   - CLOSED trips to OPEN after FailureThreshold consecutive failures.
//   - OPEN moves to HALF_OPEN once Timeout has passed since the last failure,
//     either lazily in CanExecute or from the periodic monitor sweep.
//   - HALF_OPEN closes after SuccessThreshold successes and re-opens on the
//     first failure.
//
// HALF_OPEN does not cap probe concurrency: every CanExecute call returns true
// while half-open.
//
// # Usage
//
//	breaker := circuit.New(circuit.DefaultConfig())
//	breaker.Start(ctx)
//	defer breaker.Stop()
//
//	if breaker.CanExecute("openai") {
//	    if err := call(); err != nil {
//	        breaker.RecordFailure("openai", err)
//	    } else {
//	        breaker.RecordSuccess("openai")
//	    }
//	}
package circuit
