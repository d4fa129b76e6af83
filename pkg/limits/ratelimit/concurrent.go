package ratelimit

import (
	"sync/atomic"
)

// ConcurrentLimiter limits the number of simultaneous in-flight requests.
//
// This is a counting semaphore built on atomic operations. Acquire never
// blocks; callers that cannot get a slot decide themselves whether to queue
// or reject.
//
// # Thread Safety
//
// ConcurrentLimiter is lock-free and thread-safe using atomic operations.
type ConcurrentLimiter struct {
	limit   atomic.Int64 // Maximum concurrent requests, <= 0 means unlimited
	current atomic.Int64 // Current number of in-flight requests
}

// NewConcurrentLimiter creates a new concurrent request limiter.
//
// Example:
//
//	limiter := NewConcurrentLimiter(50) // Max 50 concurrent requests
//	if limiter.Acquire() {
//	    defer limiter.Release()
//	    // Process request
//	}
func NewConcurrentLimiter(limit int) *ConcurrentLimiter {
	cl := &ConcurrentLimiter{}
	cl.limit.Store(int64(limit))
	return cl
}

// Acquire attempts to acquire a concurrency slot.
// Returns true if acquired, false if limit reached.
//
// If this returns true, the caller MUST call Release() when done.
func (cl *ConcurrentLimiter) Acquire() bool {
	current := cl.current.Add(1)

	if limit := cl.limit.Load(); limit > 0 && current > limit {
		cl.current.Add(-1)
		return false
	}
	return true
}

// Release releases a concurrency slot. Releasing with no slot held is
// ignored so the count never goes negative.
func (cl *ConcurrentLimiter) Release() {
	for {
		current := cl.current.Load()
		if current <= 0 {
			return
		}
		if cl.current.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Full reports whether every slot is in use.
func (cl *ConcurrentLimiter) Full() bool {
	limit := cl.limit.Load()
	return limit > 0 && cl.current.Load() >= limit
}

// Current returns the current number of in-flight requests.
func (cl *ConcurrentLimiter) Current() int64 {
	return cl.current.Load()
}

// Limit returns the configured concurrency limit.
func (cl *ConcurrentLimiter) Limit() int64 {
	return cl.limit.Load()
}

// SetLimit changes the limit. In-flight requests above a lowered limit are
// not interrupted; new acquisitions fail until the count drops.
func (cl *ConcurrentLimiter) SetLimit(limit int) {
	cl.limit.Store(int64(limit))
}

