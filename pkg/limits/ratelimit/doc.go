// Package ratelimit provides the admission primitives used by the provider
// request queue.
//
// # Request Log
//
// RequestLog is an exact sliding window over request timestamps. It answers
// "may one more request start now?" for a requests-per-window limit:
//
//	log := ratelimit.NewRequestLog(time.Minute, 60)
//	if log.Allow(now) {
//	    log.Record(now)
//	    // dispatch
//	} else {
//	    wait := log.RetryAfter(now)
//	}
//
// # Concurrent Limiter
//
// ConcurrentLimiter enforces a maximum number of simultaneous requests:
//
//	limiter := ratelimit.NewConcurrentLimiter(50)
//	if limiter.Acquire() {
//	    defer limiter.Release()
//	    // Process request
//	}
//
// Both limiters accept a new limit at runtime (SetLimit) so configuration
// reloads take effect without losing in-flight accounting.
package ratelimit
