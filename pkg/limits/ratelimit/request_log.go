package ratelimit

import (
	"sync"
	"time"
)

// RequestLog is a sliding-window request counter that keeps the exact
// timestamp of every admitted request.
//
// Unlike a bucketed window it never over-admits at bucket boundaries: the
// number of recorded timestamps inside any trailing window never exceeds the
// limit, provided callers only Record after Allow returned true.
//
// # Algorithm
//
//  1. Drop timestamps older than now - window (lazily, on every call)
//  2. Compare the remaining count against the limit
//  3. Append now when the request is admitted
//
// # Thread Safety
//
// RequestLog is safe for concurrent use.
type RequestLog struct {
	window time.Duration
	limit  int
	stamps []time.Time // oldest first
	mu     sync.Mutex
}

// NewRequestLog creates a request log admitting at most limit requests per
// window. A limit <= 0 disables limiting.
//
// Example:
//
//	log := ratelimit.NewRequestLog(time.Minute, 60) // 60 requests/min
//	if log.Allow(time.Now()) {
//	    log.Record(time.Now())
//	}
func NewRequestLog(window time.Duration, limit int) *RequestLog {
	if window <= 0 {
		window = time.Minute
	}
	return &RequestLog{
		window: window,
		limit:  limit,
	}
}

// Allow reports whether one more request fits in the window ending at now.
func (l *RequestLog) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return true
	}
	l.pruneLocked(now)
	return len(l.stamps) < l.limit
}

// Record appends now to the log.
func (l *RequestLog) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	l.stamps = append(l.stamps, now)
}

// Count returns the number of requests recorded in the window ending at now.
func (l *RequestLog) Count(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	return len(l.stamps)
}

// RetryAfter returns how long until the oldest recorded request leaves the
// window, or zero when a request would be admitted now.
func (l *RequestLog) RetryAfter(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return 0
	}
	l.pruneLocked(now)
	if len(l.stamps) < l.limit {
		return 0
	}
	return l.stamps[0].Add(l.window).Sub(now)
}

// SetLimit changes the limit. Already-recorded timestamps are kept.
func (l *RequestLog) SetLimit(limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
}

// Limit returns the configured limit.
func (l *RequestLog) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// pruneLocked drops timestamps at or before now - window.
// Caller must hold lock.
func (l *RequestLog) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
