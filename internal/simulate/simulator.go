// Package simulate provides in-process upstream providers with configurable
// latency, failure rate and streaming behaviour. The run and benchmark
// commands route through it so the engine can be exercised without
// network access or credentials.
package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/providers"
)

// Profile describes how a simulated provider behaves.
type Profile struct {
	Latency            time.Duration
	Jitter             time.Duration
	ErrorRate          float64
	ErrorKind          string
	Chunks             int
	ChunkInterval      time.Duration
	MidStreamErrorRate float64
	Units              int
}

// ProfileFromConfig converts a provider's simulation section.
func ProfileFromConfig(sim config.SimulationConfig) Profile {
	return Profile{
		Latency:            sim.Latency,
		Jitter:             sim.Jitter,
		ErrorRate:          sim.ErrorRate,
		ErrorKind:          sim.ErrorKind,
		Chunks:             sim.Chunks,
		ChunkInterval:      sim.ChunkInterval,
		MidStreamErrorRate: sim.MidStreamErrorRate,
		Units:              sim.Units,
	}
}

// ProfilesFromConfig returns the simulation profile of every provider.
func ProfilesFromConfig(cfg *config.Config) map[string]Profile {
	out := make(map[string]Profile, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out[p.ID] = ProfileFromConfig(p.Simulation)
	}
	return out
}

// CallStats counts calls made to one simulated provider.
type CallStats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
	Streams  int64 `json:"streams"`
}

// Simulator implements providers.Executor and providers.StreamExecutor.
type Simulator struct {
	mu       sync.Mutex
	profiles map[string]Profile
	stats    map[string]*CallStats
	rng      *rand.Rand
	logger   *slog.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithSeed makes the simulator deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// WithLogger sets the simulator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) { s.logger = logger }
}

// New creates a simulator for the given profiles.
func New(profiles map[string]Profile, opts ...Option) *Simulator {
	s := &Simulator{
		stats:  make(map[string]*CallStats),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		logger: slog.Default().With("component", "simulate"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Update(profiles)
	return s
}

// Update replaces the profiles. Calls already running keep their profile.
func (s *Simulator) Update(profiles map[string]Profile) {
	cp := make(map[string]Profile, len(profiles))
	for id, p := range profiles {
		cp[id] = p
	}

	s.mu.Lock()
	s.profiles = cp
	s.mu.Unlock()
}

// Stats returns per-provider call counters.
func (s *Simulator) Stats() map[string]CallStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]CallStats, len(s.stats))
	for id, st := range s.stats {
		out[id] = *st
	}
	return out
}

// Execute simulates a unary call. It satisfies providers.Executor.
func (s *Simulator) Execute(ctx context.Context, provider string, req *providers.Request) (*providers.Response, error) {
	profile, delay, fail, _, err := s.begin(provider, false)
	if err != nil {
		return nil, err
	}

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if fail {
		s.logger.DebugContext(ctx, "simulated failure", "kind", profile.ErrorKind)
		return nil, simulatedError(provider, profile.ErrorKind)
	}

	return &providers.Response{
		Provider: provider,
		Payload: map[string]any{
			"text":  fmt.Sprintf("simulated response from %s for %s", provider, req.Model),
			"model": req.Model,
		},
		Units: profile.Units,
	}, nil
}

// Stream simulates a streamed call. It satisfies providers.StreamExecutor.
// Opening the stream takes the profile latency and may fail; once open, the
// stream may break after its first chunk with MidStreamErrorRate.
func (s *Simulator) Stream(ctx context.Context, provider string, req *providers.Request) (<-chan *providers.StreamChunk, error) {
	profile, delay, fail, breakMid, err := s.begin(provider, true)
	if err != nil {
		return nil, err
	}

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if fail {
		return nil, simulatedError(provider, profile.ErrorKind)
	}

	chunks := max(profile.Chunks, 1)
	perChunk := profile.Units / chunks

	out := make(chan *providers.StreamChunk)
	go func() {
		defer close(out)

		for i := 0; i < chunks; i++ {
			if i > 0 {
				if sleep(ctx, profile.ChunkInterval) != nil {
					return
				}
			}

			chunk := &providers.StreamChunk{
				Provider: provider,
				Index:    i,
				Delta:    fmt.Sprintf("chunk-%d ", i),
				Units:    perChunk,
			}
			if i == chunks-1 {
				chunk.Units = profile.Units - perChunk*(chunks-1)
			}
			if i == 1 && breakMid {
				s.recordFailure(provider)
				chunk = &providers.StreamChunk{
					Provider: provider,
					Index:    i,
					Error:    &providers.ConnectionError{Provider: provider, Cause: fmt.Errorf("simulated stream reset")},
				}
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Error != nil {
				return
			}
		}
	}()
	return out, nil
}

// begin looks up the profile and rolls the dice for one call.
func (s *Simulator) begin(provider string, stream bool) (Profile, time.Duration, bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[provider]
	if !ok {
		return Profile{}, 0, false, false, &providers.ConnectionError{
			Provider: provider,
			Cause:    fmt.Errorf("no simulated provider %q", provider),
		}
	}

	st := s.stats[provider]
	if st == nil {
		st = &CallStats{}
		s.stats[provider] = st
	}
	st.Calls++
	if stream {
		st.Streams++
	}

	delay := profile.Latency
	if profile.Jitter > 0 {
		delay += time.Duration(s.rng.Int64N(int64(2*profile.Jitter)+1)) - profile.Jitter
	}
	delay = max(delay, 0)

	fail := profile.ErrorRate > 0 && s.rng.Float64() < profile.ErrorRate
	if fail {
		st.Failures++
	}
	breakMid := stream && !fail && profile.MidStreamErrorRate > 0 && s.rng.Float64() < profile.MidStreamErrorRate

	return profile, delay, fail, breakMid, nil
}

func (s *Simulator) recordFailure(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.stats[provider]; st != nil {
		st.Failures++
	}
}

// simulatedError builds the error for a failure kind.
func simulatedError(provider, kind string) error {
	switch kind {
	case "rate_limit":
		return &providers.RateLimitError{Provider: provider, RetryAfter: time.Second, Message: "simulated rate limit"}
	case "timeout":
		return &providers.TimeoutError{Provider: provider, Timeout: 30 * time.Second}
	case "connection":
		return &providers.ConnectionError{Provider: provider, Cause: fmt.Errorf("simulated connection refused")}
	case "auth":
		return &providers.AuthError{Provider: provider, Message: "simulated invalid credentials"}
	case "validation":
		return &providers.ValidationError{Field: "payload", Message: "simulated invalid request"}
	default:
		return &providers.ProviderError{Provider: provider, StatusCode: 503, Message: "simulated service unavailable"}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
