package routing

import (
	"slices"
	"time"
)

// latencyWindow is a fixed-capacity ring of recent latencies. The oldest
// sample is overwritten once the ring is full.
type latencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &latencyWindow{samples: make([]time.Duration, 0, capacity)}
}

func (w *latencyWindow) add(d time.Duration) {
	if !w.full {
		w.samples = append(w.samples, d)
		if len(w.samples) == cap(w.samples) {
			w.full = true
		}
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
}

func (w *latencyWindow) len() int {
	return len(w.samples)
}

func (w *latencyWindow) avg() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range w.samples {
		sum += d
	}
	return sum / time.Duration(len(w.samples))
}

// p95 sorts a copy of the samples and returns the value at floor(0.95*n).
func (w *latencyWindow) p95() time.Duration {
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(w.samples)
	slices.Sort(sorted)

	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
