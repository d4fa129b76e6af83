package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/relay/pkg/limits/queue"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/routing/circuit"
	"mercator-hq/relay/pkg/routing/failover"
	"mercator-hq/relay/pkg/routing/hedging"
)

// Engine errors that can be checked with errors.Is().
var (
	// ErrNoExecutor is returned by New when no executor is supplied.
	ErrNoExecutor = errors.New("engine requires an executor")

	// ErrStreamingUnsupported is returned by the streaming entry points when
	// the engine was built without a stream executor.
	ErrStreamingUnsupported = errors.New("streaming executor not configured")

	// ErrClosed is returned by entry points called after Close.
	ErrClosed = errors.New("engine closed")
)

// Mode labels the entry point that served a request.
type Mode string

const (
	ModeUnary       Mode = "unary"
	ModeStream      Mode = "stream"
	ModeHedge       Mode = "hedge"
	ModeHedgeStream Mode = "hedge_stream"
)

// Config bundles the settings of every routing component.
type Config struct {
	Circuit  circuit.Config
	Balancer routing.Config
	Queue    queue.Config
	Failover failover.Config
	Hedging  hedging.Config

	// AttemptTimeout bounds each upstream call once dispatched. Zero leaves
	// the deadline to the executor.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the default settings of every component.
func DefaultConfig() Config {
	return Config{
		Circuit:  circuit.DefaultConfig(),
		Balancer: routing.DefaultConfig(),
		Queue:    queue.DefaultConfig(),
		Failover: failover.DefaultConfig(),
		Hedging:  hedging.DefaultConfig(),
	}
}

// ProviderConfig registers one upstream provider with the engine.
type ProviderConfig struct {
	// ID is the provider identifier passed to the executor.
	ID string

	// Weight is the manual weight multiplier. Zero means 1; a negative
	// value sets a base weight of 0, which keeps the provider out of
	// weighted draws.
	Weight float64

	// CostPerUnit is the relative cost score.
	CostPerUnit float64

	// MaxConcurrent caps in-flight requests. Zero uses the defaults.
	MaxConcurrent int

	// RequestsPerMinute is the dispatch rate. Zero uses the queue default,
	// a negative value disables rate limiting.
	RequestsPerMinute int

	// Capabilities lists the models served. Empty means any.
	Capabilities []string

	// Priority orders failover and hedge targets; higher is preferred.
	Priority int

	// Unhealthy registers the provider as unhealthy.
	Unhealthy bool
}

// Observer receives engine events. Implementations must be safe for
// concurrent use and must not call back into the engine.
type Observer interface {
	// ObserveRequest is called once per entry-point call.
	ObserveRequest(mode Mode, latency time.Duration, err error)

	// ObserveAttempt is called once per dispatched upstream attempt.
	ObserveAttempt(provider string, latency time.Duration, err error)

	// ObserveFailover is called when a call moves between providers.
	ObserveFailover(from, to string)

	// ObserveCircuitChange is called on every circuit transition.
	ObserveCircuitChange(provider string, from, to circuit.State)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(Mode, time.Duration, error) {}
func (nopObserver) ObserveAttempt(string, time.Duration, error) {}
func (nopObserver) ObserveFailover(string, string) {}
func (nopObserver) ObserveCircuitChange(string, circuit.State, circuit.State) {}

// Stats is a point-in-time snapshot of the whole engine.
type Stats struct {
	Requests     int64                 `json:"requests"`
	Succeeded    int64                 `json:"succeeded"`
	Failed       int64                 `json:"failed"`
	CircuitTrips int64                 `json:"circuit_trips"`
	Circuits     []circuit.Status      `json:"circuits"`
	Balancer     routing.BalancerStats `json:"balancer"`
	Queues       []queue.ProviderStats `json:"queues"`
	Failover     failover.Stats        `json:"failover"`
	Hedging      hedging.Stats         `json:"hedging"`
	StartedAt    time.Time             `json:"started_at"`
}

// Engine routes requests to providers through the circuit breaker, load
// balancer, request queue, failover coordinator, and hedger.
type Engine struct {
	config         Config
	executor       providers.Executor
	streamExecutor providers.StreamExecutor
	observer       Observer
	logger         *slog.Logger
	now            func() time.Time

	breaker  *circuit.Breaker
	balancer *routing.Balancer
	queue    *queue.Queue
	failover *failover.Coordinator
	hedger   *hedging.Hedger

	mu        sync.Mutex
	providers map[string]ProviderConfig
	retired   map[string]bool

	startedAt time.Time
	closed    atomic.Bool
	closeOnce sync.Once

	requests  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithStreamExecutor enables the streaming entry points.
func WithStreamExecutor(exec providers.StreamExecutor) Option {
	return func(e *Engine) { e.streamExecutor = exec }
}

// WithObserver sets the event observer, typically the metrics recorder.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the engine logger. Components log through children of it.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock replaces time.Now in the breaker, balancer, and queue.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine that calls exec for every upstream attempt.
func New(cfg Config, exec providers.Executor, opts ...Option) (*Engine, error) {
	if exec == nil {
		return nil, ErrNoExecutor
	}

	e := &Engine{
		config:    cfg,
		executor:  exec,
		observer:  nopObserver{},
		now:       time.Now,
		providers: make(map[string]ProviderConfig),
		retired:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	logger := e.logger
	e.logger = logger.With("component", "engine")
	e.startedAt = e.now()

	e.breaker = circuit.New(cfg.Circuit,
		circuit.WithClock(e.now),
		circuit.WithLogger(logger.With("component", "routing.circuit")),
		circuit.WithStateChangeHook(e.onCircuitChange),
	)
	e.balancer = routing.NewBalancer(cfg.Balancer,
		routing.WithClock(e.now),
		routing.WithLogger(logger.With("component", "routing.balancer")),
	)
	e.queue = queue.New(cfg.Queue,
		queue.WithClock(e.now),
		queue.WithLogger(logger.With("component", "limits.queue")),
	)
	e.failover = failover.New(cfg.Failover, e.breaker, e.balancer,
		failover.WithLogger(logger.With("component", "routing.failover")),
	)
	e.hedger = hedging.New(cfg.Hedging,
		hedging.WithLogger(logger.With("component", "routing.hedging")),
	)

	return e, nil
}

func (e *Engine) onCircuitChange(provider string, from, to circuit.State) {
	e.observer.ObserveCircuitChange(provider, from, to)
}

// RegisterProvider adds a provider or updates an existing one. Counters,
// circuit state, and an externally set health flag survive
// re-registration. A provider dropped by ApplyConfig takes its configured
// health again when it is registered back.
func (e *Engine) RegisterProvider(p ProviderConfig) error {
	if p.ID == "" {
		return &providers.ValidationError{Field: "id", Message: "provider id is required"}
	}

	e.mu.Lock()
	e.providers[p.ID] = p
	wasRetired := e.retired[p.ID]
	delete(e.retired, p.ID)
	e.mu.Unlock()

	e.balancer.RegisterProvider(p.ID, routing.ProviderConfig{
		Weight:        p.Weight,
		CostPerUnit:   p.CostPerUnit,
		MaxConcurrent: p.MaxConcurrent,
		Capabilities:  p.Capabilities,
		Priority:      p.Priority,
		Unhealthy:     p.Unhealthy,
	})

	rpm := p.RequestsPerMinute
	if rpm == 0 {
		rpm = e.config.Queue.RequestsPerMinute
		if rpm == 0 {
			rpm = queue.DefaultConfig().RequestsPerMinute
		}
	}
	e.queue.SetRateLimit(p.ID, rpm)
	e.queue.SetMaxConcurrent(p.ID, p.MaxConcurrent)

	if wasRetired {
		return e.balancer.SetProviderHealth(p.ID, !p.Unhealthy)
	}
	return nil
}

// ApplyConfig registers or updates every provider in ps. Registered
// providers missing from ps are marked unhealthy so they drain out of
// selection; they are never deleted.
func (e *Engine) ApplyConfig(ps []ProviderConfig) error {
	seen := make(map[string]bool, len(ps))
	var errs []error
	for _, p := range ps {
		if err := e.RegisterProvider(p); err != nil {
			errs = append(errs, err)
			continue
		}
		seen[p.ID] = true
	}

	e.mu.Lock()
	var removed []string
	for id := range e.providers {
		if !seen[id] && !e.retired[id] {
			e.retired[id] = true
			removed = append(removed, id)
		}
	}
	e.mu.Unlock()

	for _, id := range removed {
		if err := e.balancer.SetProviderHealth(id, false); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info("provider configuration applied",
		"providers", len(seen),
		"disabled", len(removed),
	)
	return errors.Join(errs...)
}

// SetProviderHealth marks a provider healthy or unhealthy.
func (e *Engine) SetProviderHealth(id string, healthy bool) error {
	return e.balancer.SetProviderHealth(id, healthy)
}

// ResetCircuit closes a provider's circuit.
func (e *Engine) ResetCircuit(id string) error {
	if _, ok := e.balancer.Provider(id); !ok {
		return &routing.ProviderNotFoundError{ProviderName: id, AvailableProviders: e.balancer.Providers()}
	}
	e.breaker.Reset(id)
	e.logger.Info("circuit reset", "provider", id)
	return nil
}

// ClearQueue fails every request queued for a provider and returns how many
// were removed.
func (e *Engine) ClearQueue(id string) (int, error) {
	if _, ok := e.balancer.Provider(id); !ok {
		return 0, &routing.ProviderNotFoundError{ProviderName: id, AvailableProviders: e.balancer.Providers()}
	}
	return e.queue.ClearQueue(id), nil
}

// Provider returns the balancer snapshot and circuit status of a provider.
func (e *Engine) Provider(id string) (routing.ProviderSnapshot, circuit.Status, bool) {
	snap, ok := e.balancer.Provider(id)
	if !ok {
		return routing.ProviderSnapshot{}, circuit.Status{}, false
	}
	return snap, e.breaker.Status(id), true
}

// Ready reports whether at least one provider is healthy with a circuit
// that is not open.
func (e *Engine) Ready() bool {
	for _, snap := range e.balancer.Stats().Providers {
		if snap.Healthy && e.breaker.Status(snap.ID).State != circuit.StateOpen {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of every component.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:     e.requests.Load(),
		Succeeded:    e.succeeded.Load(),
		Failed:       e.failed.Load(),
		CircuitTrips: e.breaker.Trips(),
		Circuits:     e.breaker.Statuses(),
		Balancer:     e.balancer.Stats(),
		Queues:       e.queue.Stats(),
		Failover:     e.failover.Stats(),
		Hedging:      e.hedger.Stats(),
		StartedAt:    e.startedAt,
	}
}

// Start launches the circuit monitor and the weight recompute loop.
func (e *Engine) Start(ctx context.Context) {
	e.breaker.Start(ctx)
	e.balancer.Start(ctx)
	e.logger.Info("engine started",
		"strategy", string(e.balancer.Strategy()),
		"providers", len(e.balancer.Providers()),
		"hedging", e.hedger.Enabled(),
	)
}

// Close stops the background loops and fails every queued request.
// In-flight upstream calls run to completion.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.breaker.Stop()
		e.balancer.Stop()
		e.queue.Close()
		e.logger.Info("engine stopped")
	})
	return nil
}

// finish updates request counters and notifies the observer.
func (e *Engine) finish(mode Mode, req *providers.Request, start time.Time, err error) {
	latency := time.Since(start)
	e.requests.Add(1)
	if err != nil {
		e.failed.Add(1)
	} else {
		e.succeeded.Add(1)
	}
	e.observer.ObserveRequest(mode, latency, err)

	if err != nil {
		attrs := []any{
			"mode", string(mode),
			"duration", latency,
			"error", err,
			"error_type", providers.ErrorType(err),
		}
		if req != nil {
			attrs = append(attrs, "request_id", req.ID, "model", req.Model)
		}
		e.logger.Warn("request failed", attrs...)
	}
}
