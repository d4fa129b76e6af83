package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Request Log Tests
// ============================================================================

func TestRequestLog_Basic(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	log := NewRequestLog(time.Minute, 3)

	for i := 0; i < 3; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		if !log.Allow(now) {
			t.Fatalf("request %d should be allowed", i)
		}
		log.Record(now)
	}

	if log.Allow(start.Add(10 * time.Second)) {
		t.Error("fourth request inside the window should be rejected")
	}
	if got := log.Count(start.Add(10 * time.Second)); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestRequestLog_Expiry(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	log := NewRequestLog(time.Minute, 2)

	log.Record(start)
	log.Record(start.Add(30 * time.Second))

	tests := []struct {
		name  string
		at    time.Duration
		allow bool
		count int
	}{
		{"inside window", 59 * time.Second, false, 2},
		{"first expired", 60 * time.Second, true, 1},
		{"both expired", 91 * time.Second, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := start.Add(tt.at)
			if got := log.Allow(now); got != tt.allow {
				t.Errorf("Allow() = %v, want %v", got, tt.allow)
			}
			if got := log.Count(now); got != tt.count {
				t.Errorf("Count() = %d, want %d", got, tt.count)
			}
		})
	}
}

func TestRequestLog_RetryAfter(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	log := NewRequestLog(time.Minute, 1)

	if got := log.RetryAfter(start); got != 0 {
		t.Errorf("RetryAfter on empty log = %v, want 0", got)
	}

	log.Record(start)
	if got := log.RetryAfter(start.Add(20 * time.Second)); got != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", got)
	}
}

func TestRequestLog_NeverExceedsLimit(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	const limit = 10
	log := NewRequestLog(time.Minute, limit)

	var admitted []time.Time
	for ms := 0; ms < 180_000; ms += 700 {
		now := start.Add(time.Duration(ms) * time.Millisecond)
		if log.Allow(now) {
			log.Record(now)
			admitted = append(admitted, now)
		}
	}

	for i, ts := range admitted {
		inWindow := 0
		for _, other := range admitted[:i+1] {
			if ts.Sub(other) < time.Minute {
				inWindow++
			}
		}
		if inWindow > limit {
			t.Fatalf("window ending at %v holds %d requests, limit %d", ts, inWindow, limit)
		}
	}
}

func TestRequestLog_Unlimited(t *testing.T) {
	log := NewRequestLog(time.Minute, 0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !log.Allow(now) {
			t.Fatal("limit 0 should disable limiting")
		}
		log.Record(now)
	}
}

func TestRequestLog_SetLimit(t *testing.T) {
	now := time.Now()
	log := NewRequestLog(time.Minute, 1)
	log.Record(now)

	if log.Allow(now) {
		t.Fatal("expected rejection at limit 1")
	}
	log.SetLimit(2)
	if !log.Allow(now) {
		t.Error("raising the limit should admit another request")
	}
	if log.Limit() != 2 {
		t.Errorf("Limit() = %d, want 2", log.Limit())
	}
}

// ============================================================================
// Concurrent Limiter Tests
// ============================================================================

func TestConcurrentLimiter_Basic(t *testing.T) {
	limiter := NewConcurrentLimiter(2)

	if !limiter.Acquire() || !limiter.Acquire() {
		t.Fatal("expected two acquisitions to succeed")
	}
	if limiter.Acquire() {
		t.Error("third acquisition should fail")
	}
	if !limiter.Full() {
		t.Error("limiter should report full")
	}

	limiter.Release()
	if limiter.Current() != 1 {
		t.Errorf("Current() = %d, want 1", limiter.Current())
	}
	if !limiter.Acquire() {
		t.Error("acquisition after release should succeed")
	}
}

func TestConcurrentLimiter_ReleaseNeverNegative(t *testing.T) {
	limiter := NewConcurrentLimiter(1)
	limiter.Release()
	limiter.Release()

	if limiter.Current() != 0 {
		t.Errorf("Current() = %d, want 0", limiter.Current())
	}
	if !limiter.Acquire() {
		t.Error("acquire should succeed")
	}
	if limiter.Acquire() {
		t.Error("spurious releases must not create extra slots")
	}
}

func TestConcurrentLimiter_SetLimit(t *testing.T) {
	limiter := NewConcurrentLimiter(3)
	for i := 0; i < 3; i++ {
		limiter.Acquire()
	}

	limiter.SetLimit(1)
	if limiter.Acquire() {
		t.Error("acquire should fail above a lowered limit")
	}
	limiter.Release()
	limiter.Release()
	if limiter.Acquire() {
		t.Error("acquire should still fail with 1 in flight and limit 1")
	}
	limiter.Release()
	if !limiter.Acquire() {
		t.Error("acquire should succeed once under the new limit")
	}
}

func TestConcurrentLimiter_Concurrent(t *testing.T) {
	const limit = 10
	limiter := NewConcurrentLimiter(limit)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		peak    int
		granted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !limiter.Acquire() {
				return
			}
			mu.Lock()
			granted++
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			limiter.Release()
		}()
	}
	wg.Wait()

	if peak > limit {
		t.Errorf("peak concurrency %d exceeded limit %d", peak, limit)
	}
	if granted == 0 {
		t.Error("expected some acquisitions to succeed")
	}
	if limiter.Current() != 0 {
		t.Errorf("Current() = %d after all releases, want 0", limiter.Current())
	}
}
