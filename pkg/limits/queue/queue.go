package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/relay/pkg/limits/ratelimit"
	"mercator-hq/relay/pkg/providers"
)

// Priority orders entries within one provider queue.
type Priority int

const (
	// PriorityHigh entries are dispatched before all others.
	PriorityHigh Priority = iota
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityLow entries are dispatched last.
	PriorityLow
)

// String returns the lower-case priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to a Priority. An empty string
// means PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority %q (must be high, normal, or low)", s)
	}
}

// Config contains the defaults applied to every provider queue.
type Config struct {
	// MaxQueueSize is the pending-entry cap per provider. Default: 500
	MaxQueueSize int

	// MaxConcurrent is the in-flight cap per provider. Default: 50
	MaxConcurrent int

	// RequestsPerMinute is the default dispatch rate per provider; a negative
	// value disables rate limiting. Default: 60
	RequestsPerMinute int

	// Window is the rate window length. Default: 60s
	Window time.Duration

	// RetryDelay is how long a rate-limited queue waits before draining
	// again. Default: 1s
	RetryDelay time.Duration

	// DefaultTimeout is the queued-time budget for entries without one.
	// Default: 5m
	DefaultTimeout time.Duration
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:      500,
		MaxConcurrent:     50,
		RequestsPerMinute: 60,
		Window:            time.Minute,
		RetryDelay:        time.Second,
		DefaultTimeout:    5 * time.Minute,
	}
}

// Task is the unit of work dispatched by the queue.
type Task func(ctx context.Context) (*providers.Response, error)

// EnqueueOptions controls how an entry is queued.
type EnqueueOptions struct {
	Priority Priority

	// Timeout is the maximum time the entry may wait before dispatch.
	// Zero uses Config.DefaultTimeout.
	Timeout time.Duration
}

// ProviderStats is a snapshot of one provider queue.
type ProviderStats struct {
	Provider          string `json:"provider"`
	Pending           int    `json:"pending"`
	PendingHigh       int    `json:"pending_high"`
	PendingNormal     int    `json:"pending_normal"`
	PendingLow        int    `json:"pending_low"`
	InFlight          int64  `json:"in_flight"`
	MaxConcurrent     int64  `json:"max_concurrent"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	WindowCount       int    `json:"window_count"`

	Enqueued   int64 `json:"enqueued"`
	Dispatched int64 `json:"dispatched"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
	TimedOut   int64 `json:"timed_out"`
	Cancelled  int64 `json:"cancelled"`
	Cleared    int64 `json:"cleared"`
}

type outcome struct {
	resp *providers.Response
	err  error
}

type entry struct {
	id         string
	priority   Priority
	enqueuedAt time.Time
	timeout    time.Duration
	ctx        context.Context
	task       Task
	result     chan outcome
}

type providerQueue struct {
	id          string
	entries     []*entry
	concurrency *ratelimit.ConcurrentLimiter
	window      *ratelimit.RequestLog
	retryTimer  *time.Timer

	enqueued   int64
	dispatched int64
	completed  int64
	failed     int64
	rejected   int64
	timedOut   int64
	cancelled  int64
	cleared    int64
}

// Queue is a set of per-provider priority queues with admission control,
// a concurrency cap, and a sliding-window dispatch rate limit.
type Queue struct {
	config Config
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]*providerQueue
	closed    bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now for queue timestamps and rate windows.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a Queue. Zero fields in cfg fall back to DefaultConfig;
// a negative RequestsPerMinute disables rate limiting.
func New(cfg Config, opts ...Option) *Queue {
	defaults := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaults.MaxQueueSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}

	q := &Queue{
		config:    cfg,
		now:       time.Now,
		providers: make(map[string]*providerQueue),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default().With("component", "limits.queue")
	}
	return q
}

// SetRateLimit sets provider's dispatch rate. 0 or less disables limiting.
func (q *Queue) SetRateLimit(provider string, requestsPerMinute int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq := q.queueLocked(provider)
	pq.window.SetLimit(requestsPerMinute)
	q.drainLocked(pq)
}

// SetMaxConcurrent sets provider's in-flight cap.
func (q *Queue) SetMaxConcurrent(provider string, n int) {
	if n <= 0 {
		n = q.config.MaxConcurrent
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pq := q.queueLocked(provider)
	pq.concurrency.SetLimit(n)
	q.drainLocked(pq)
}

// CanAdmit reports whether an Enqueue for provider would be accepted now.
func (q *Queue) CanAdmit(provider string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	pq, ok := q.providers[provider]
	return !ok || len(pq.entries) < q.config.MaxQueueSize
}

// Enqueue queues task for provider and blocks until it has run, it is
// rejected, or ctx is done.
//
// A full queue rejects immediately with a *providers.AdmissionError wrapping
// providers.ErrQueueFull and leaves the queue untouched; its RetryAfter is
// set when the rate window is what keeps the queue from draining. An entry that waits
// longer than its timeout is resolved with providers.ErrQueueTimeout and never
// dispatched. ctx is passed to task; cancelling it while the entry is still
// queued removes the entry, and cancelling it after dispatch waits for task
// to return.
func (q *Queue) Enqueue(ctx context.Context, provider string, task Task, opts EnqueueOptions) (*providers.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.config.DefaultTimeout
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, &providers.AdmissionError{Provider: provider, Reason: providers.ErrQueueClosed}
	}

	pq := q.queueLocked(provider)
	if len(pq.entries) >= q.config.MaxQueueSize {
		pq.rejected++
		retryAfter := pq.window.RetryAfter(q.now())
		q.mu.Unlock()
		q.logger.Warn("queue full, request rejected",
			"provider", provider,
			"max_queue_size", q.config.MaxQueueSize,
			"retry_after", retryAfter,
		)
		return nil, &providers.AdmissionError{Provider: provider, Reason: providers.ErrQueueFull, RetryAfter: retryAfter}
	}

	e := &entry{
		id:         uuid.NewString(),
		priority:   opts.Priority,
		enqueuedAt: q.now(),
		timeout:    timeout,
		ctx:        ctx,
		task:       task,
		result:     make(chan outcome, 1),
	}
	pq.insertLocked(e)
	pq.enqueued++
	q.drainLocked(pq)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-e.result:
		return out.resp, out.err

	case <-ctx.Done():
		if q.withdraw(pq, e, func(pq *providerQueue) { pq.cancelled++ }) {
			return nil, ctx.Err()
		}
		// Already dispatched: the task sees the cancelled ctx and must
		// return before the caller may release anything it captured.
		out := <-e.result
		return out.resp, out.err

	case <-timer.C:
		if q.withdraw(pq, e, func(pq *providerQueue) { pq.timedOut++ }) {
			q.logger.Warn("request timed out while queued",
				"provider", provider,
				"entry_id", e.id,
				"timeout", timeout,
			)
			return nil, &providers.AdmissionError{Provider: provider, Reason: providers.ErrQueueTimeout}
		}
		out := <-e.result
		return out.resp, out.err
	}
}

// ClearQueue resolves every pending entry for provider with
// providers.ErrQueueCleared and returns how many were removed. In-flight
// requests are not affected.
func (q *Queue) ClearQueue(provider string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.providers[provider]
	if !ok {
		return 0
	}
	n := q.resolveAllLocked(pq, providers.ErrQueueCleared)
	pq.cleared += int64(n)

	if n > 0 {
		q.logger.Info("queue cleared", "provider", provider, "entries", n)
	}
	return n
}

// Close rejects all pending entries with providers.ErrQueueClosed and every
// later Enqueue. In-flight requests run to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	for _, pq := range q.providers {
		q.resolveAllLocked(pq, providers.ErrQueueClosed)
	}
}

// Pending returns the number of queued entries for provider.
func (q *Queue) Pending(provider string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pq, ok := q.providers[provider]; ok {
		return len(pq.entries)
	}
	return 0
}

// ProviderStats returns the snapshot for one provider.
func (q *Queue) ProviderStats(provider string) ProviderStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.snapshotLocked(q.queueLocked(provider))
}

// Stats returns a snapshot of every provider queue, sorted by provider id.
func (q *Queue) Stats() []ProviderStats {
	q.mu.Lock()
	out := make([]ProviderStats, 0, len(q.providers))
	for _, pq := range q.providers {
		out = append(out, q.snapshotLocked(pq))
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// queueLocked returns provider's queue, creating it with defaults.
// Caller must hold q.mu.
func (q *Queue) queueLocked(provider string) *providerQueue {
	pq, ok := q.providers[provider]
	if !ok {
		pq = &providerQueue{
			id:          provider,
			concurrency: ratelimit.NewConcurrentLimiter(q.config.MaxConcurrent),
			window:      ratelimit.NewRequestLog(q.config.Window, q.config.RequestsPerMinute),
		}
		q.providers[provider] = pq
	}
	return pq
}

// drainLocked dispatches queued entries until the queue is empty, the
// concurrency cap is reached, or the rate window is full. Caller must hold q.mu.
func (q *Queue) drainLocked(pq *providerQueue) {
	for len(pq.entries) > 0 {
		if pq.concurrency.Full() {
			return
		}

		now := q.now()
		if !pq.window.Allow(now) {
			q.scheduleRetryLocked(pq)
			return
		}

		e := pq.entries[0]
		pq.entries[0] = nil
		pq.entries = pq.entries[1:]

		if now.Sub(e.enqueuedAt) > e.timeout {
			pq.timedOut++
			e.result <- outcome{err: &providers.AdmissionError{Provider: pq.id, Reason: providers.ErrQueueTimeout}}
			continue
		}
		if e.ctx.Err() != nil {
			pq.cancelled++
			e.result <- outcome{err: e.ctx.Err()}
			continue
		}

		pq.window.Record(now)
		pq.concurrency.Acquire()
		pq.dispatched++

		go q.run(pq, e)
	}
}

func (q *Queue) run(pq *providerQueue, e *entry) {
	resp, err := e.task(e.ctx)
	e.result <- outcome{resp: resp, err: err}

	q.mu.Lock()
	defer q.mu.Unlock()

	pq.concurrency.Release()
	if err != nil {
		pq.failed++
	} else {
		pq.completed++
	}
	q.drainLocked(pq)
}

// scheduleRetryLocked arms a one-shot drain after RetryDelay.
// Caller must hold q.mu.
func (q *Queue) scheduleRetryLocked(pq *providerQueue) {
	if pq.retryTimer != nil || q.closed {
		return
	}
	q.logger.Debug("rate limit reached, deferring drain",
		"provider", pq.id,
		"retry_in", q.config.RetryDelay,
	)
	pq.retryTimer = time.AfterFunc(q.config.RetryDelay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		pq.retryTimer = nil
		q.drainLocked(pq)
	})
}

// withdraw removes e from pq if it is still queued and applies count.
// It returns false when e was already dispatched or resolved.
func (q *Queue) withdraw(pq *providerQueue, e *entry, count func(*providerQueue)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, queued := range pq.entries {
		if queued == e {
			pq.entries = append(pq.entries[:i], pq.entries[i+1:]...)
			count(pq)
			return true
		}
	}
	return false
}

// resolveAllLocked fails every queued entry with reason and stops the retry
// timer. Caller must hold q.mu.
func (q *Queue) resolveAllLocked(pq *providerQueue, reason error) int {
	n := len(pq.entries)
	for _, e := range pq.entries {
		e.result <- outcome{err: &providers.AdmissionError{Provider: pq.id, Reason: reason}}
	}
	pq.entries = nil

	if pq.retryTimer != nil {
		pq.retryTimer.Stop()
		pq.retryTimer = nil
	}
	return n
}

func (q *Queue) snapshotLocked(pq *providerQueue) ProviderStats {
	s := ProviderStats{
		Provider:          pq.id,
		Pending:           len(pq.entries),
		InFlight:          pq.concurrency.Current(),
		MaxConcurrent:     pq.concurrency.Limit(),
		RequestsPerMinute: pq.window.Limit(),
		WindowCount:       pq.window.Count(q.now()),
		Enqueued:          pq.enqueued,
		Dispatched:        pq.dispatched,
		Completed:         pq.completed,
		Failed:            pq.failed,
		Rejected:          pq.rejected,
		TimedOut:          pq.timedOut,
		Cancelled:         pq.cancelled,
		Cleared:           pq.cleared,
	}
	for _, e := range pq.entries {
		switch e.priority {
		case PriorityHigh:
			s.PendingHigh++
		case PriorityLow:
			s.PendingLow++
		default:
			s.PendingNormal++
		}
	}
	return s
}

// insertLocked places e by priority: high before the first non-high entry,
// normal before the first low entry, low at the back. Ties keep insertion
// order. Caller must hold the queue lock.
func (pq *providerQueue) insertLocked(e *entry) {
	pos := len(pq.entries)
	switch e.priority {
	case PriorityHigh:
		for i, queued := range pq.entries {
			if queued.priority != PriorityHigh {
				pos = i
				break
			}
		}
	case PriorityNormal:
		for i, queued := range pq.entries {
			if queued.priority == PriorityLow {
				pos = i
				break
			}
		}
	}

	pq.entries = append(pq.entries, nil)
	copy(pq.entries[pos+1:], pq.entries[pos:])
	pq.entries[pos] = e
}
