package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/routing/circuit"
	"mercator-hq/relay/pkg/routing/failover"
	"mercator-hq/relay/pkg/routing/hedging"
	"mercator-hq/relay/pkg/telemetry/logging"
)

// scripted is an executor whose behaviour is set per provider.
type scripted struct {
	mu    sync.Mutex
	calls []string
	fns   map[string]func(ctx context.Context) (*providers.Response, error)
}

func newScripted() *scripted {
	return &scripted{fns: make(map[string]func(ctx context.Context) (*providers.Response, error))}
}

func (s *scripted) on(provider string, fn func(ctx context.Context) (*providers.Response, error)) {
	s.fns[provider] = fn
}

func (s *scripted) exec(ctx context.Context, provider string, req *providers.Request) (*providers.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, provider)
	fn := s.fns[provider]
	s.mu.Unlock()

	if fn == nil {
		return &providers.Response{Payload: "ok from " + provider, Units: 10}, nil
	}
	return fn(ctx)
}

func (s *scripted) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type recordingObserver struct {
	mu        sync.Mutex
	requests  []Mode
	attempts  []string
	failovers [][2]string
	circuits  []circuit.State
}

func (o *recordingObserver) ObserveRequest(mode Mode, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, mode)
}

func (o *recordingObserver) ObserveAttempt(provider string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, provider)
}

func (o *recordingObserver) ObserveFailover(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failovers = append(o.failovers, [2]string{from, to})
}

func (o *recordingObserver) ObserveCircuitChange(_ string, _, to circuit.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.circuits = append(o.circuits, to)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestEngine registers a (cheaper) and b and returns the engine.
func newTestEngine(t *testing.T, exec providers.Executor, opts ...Option) *Engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Balancer.Strategy = routing.StrategyCost
	cfg.Hedging.Delay = 10 * time.Millisecond

	eng, err := New(cfg, exec, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	for _, p := range []ProviderConfig{
		{ID: "a", CostPerUnit: 1, Priority: 1},
		{ID: "b", CostPerUnit: 2},
	} {
		if err := eng.RegisterProvider(p); err != nil {
			t.Fatalf("RegisterProvider(%s) error = %v", p.ID, err)
		}
	}
	return eng
}

func inFlight(eng *Engine, id string) int {
	snap, _, _ := eng.Provider(id)
	return snap.CurrentConcurrent
}

func TestNew_RequiresExecutor(t *testing.T) {
	if _, err := New(DefaultConfig(), nil); !errors.Is(err, ErrNoExecutor) {
		t.Errorf("New(nil) error = %v, want ErrNoExecutor", err)
	}
}

func TestEngine_Execute(t *testing.T) {
	exec := newScripted()
	obs := &recordingObserver{}
	eng := newTestEngine(t, exec.exec, WithObserver(obs))

	resp, err := eng.Execute(context.Background(), &providers.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Provider != "a" {
		t.Errorf("Provider = %q, want a", resp.Provider)
	}
	if resp.ID == "" {
		t.Error("response has no request id")
	}
	if resp.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", resp.Attempts)
	}

	snap, status, _ := eng.Provider("a")
	if snap.SuccessCount != 1 || snap.TotalUnits != 10 {
		t.Errorf("snapshot = %+v, want one success with 10 units", snap)
	}
	if snap.CurrentConcurrent != 0 {
		t.Errorf("CurrentConcurrent = %d, want 0", snap.CurrentConcurrent)
	}
	if status.TotalSuccesses != 1 {
		t.Errorf("circuit TotalSuccesses = %d, want 1", status.TotalSuccesses)
	}

	stats := eng.Stats()
	if stats.Requests != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %d requests / %d succeeded, want 1/1", stats.Requests, stats.Succeeded)
	}
	if len(obs.requests) != 1 || obs.requests[0] != ModeUnary {
		t.Errorf("observed requests = %v, want [unary]", obs.requests)
	}
}

func TestEngine_ExecuteFailsOver(t *testing.T) {
	exec := newScripted()
	exec.on("a", func(ctx context.Context) (*providers.Response, error) {
		return nil, &providers.ProviderError{Provider: "a", StatusCode: 503, Message: "unavailable"}
	})
	obs := &recordingObserver{}
	eng := newTestEngine(t, exec.exec, WithObserver(obs))

	resp, err := eng.Execute(context.Background(), &providers.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Provider != "b" || resp.Attempts != 2 {
		t.Errorf("resp = provider %q attempts %d, want b/2", resp.Provider, resp.Attempts)
	}

	snapA, statusA, _ := eng.Provider("a")
	if snapA.ErrorCount != 1 || snapA.CurrentConcurrent != 0 {
		t.Errorf("a snapshot = %+v, want one error and no in-flight", snapA)
	}
	if statusA.Failures != 1 {
		t.Errorf("a circuit failures = %d, want 1", statusA.Failures)
	}
	if got := inFlight(eng, "b"); got != 0 {
		t.Errorf("b in-flight = %d, want 0", got)
	}
	if len(obs.failovers) != 1 || obs.failovers[0] != [2]string{"a", "b"} {
		t.Errorf("failovers = %v, want [[a b]]", obs.failovers)
	}
}

func TestEngine_AttemptLogFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "debug", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	exec := func(ctx context.Context, provider string, req *providers.Request) (*providers.Response, error) {
		mu.Lock()
		seen[logging.GetProvider(ctx)] = logging.GetModel(ctx)
		mu.Unlock()
		if provider == "a" {
			return nil, &providers.ProviderError{Provider: "a", StatusCode: 503, Message: "unavailable"}
		}
		return &providers.Response{}, nil
	}
	eng := newTestEngine(t, exec, WithLogger(logger))

	if _, err := eng.Execute(context.Background(), &providers.Request{ID: "req-1", Model: "m"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	mu.Lock()
	if seen["a"] != "m" || seen["b"] != "m" {
		t.Errorf("executor context fields = %v, want model m for a and b", seen)
	}
	mu.Unlock()

	out := buf.String()
	for _, want := range []string{`"msg":"attempt failed"`, `"provider":"a"`, `"model":"m"`, `"request_id":"req-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}

func TestEngine_ExecuteNonRetryable(t *testing.T) {
	exec := newScripted()
	authErr := &providers.AuthError{Provider: "a", Message: "bad key"}
	exec.on("a", func(ctx context.Context) (*providers.Response, error) { return nil, authErr })
	eng := newTestEngine(t, exec.exec)

	_, err := eng.Execute(context.Background(), &providers.Request{})
	var got *providers.AuthError
	if !errors.As(err, &got) {
		t.Fatalf("Execute() error = %v, want *AuthError", err)
	}
	if calls := exec.called(); len(calls) != 1 {
		t.Errorf("calls = %v, want only a", calls)
	}
	if eng.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", eng.Stats().Failed)
	}
}

func TestEngine_ExecuteExhausted(t *testing.T) {
	exec := newScripted()
	down := func(ctx context.Context) (*providers.Response, error) {
		return nil, errors.New("connection refused")
	}
	exec.on("a", down)
	exec.on("b", down)
	eng := newTestEngine(t, exec.exec)

	_, err := eng.Execute(context.Background(), &providers.Request{})
	if !errors.Is(err, failover.ErrExhausted) {
		t.Fatalf("Execute() error = %v, want ErrExhausted", err)
	}
	for _, id := range []string{"a", "b"} {
		if got := inFlight(eng, id); got != 0 {
			t.Errorf("%s in-flight = %d, want 0", id, got)
		}
	}
}

func TestEngine_OpenCircuitSkipsProvider(t *testing.T) {
	exec := newScripted()
	obs := &recordingObserver{}
	eng := newTestEngine(t, exec.exec, WithObserver(obs))

	for range 5 {
		eng.breaker.RecordFailure("a", errors.New("503"))
	}

	resp, err := eng.Execute(context.Background(), &providers.Request{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Provider != "b" {
		t.Errorf("Provider = %q, want b", resp.Provider)
	}
	if calls := exec.called(); len(calls) != 1 || calls[0] != "b" {
		t.Errorf("calls = %v, want [b]", calls)
	}
	if len(obs.circuits) != 1 || obs.circuits[0] != circuit.StateOpen {
		t.Errorf("circuit changes = %v, want [OPEN]", obs.circuits)
	}

	if err := eng.ResetCircuit("a"); err != nil {
		t.Fatalf("ResetCircuit() error = %v", err)
	}
	if _, status, _ := eng.Provider("a"); status.State != circuit.StateClosed {
		t.Errorf("state after reset = %v, want CLOSED", status.State)
	}
}

func TestEngine_ExecuteValidation(t *testing.T) {
	eng := newTestEngine(t, newScripted().exec)

	tests := []struct {
		name  string
		req   *providers.Request
		field string
	}{
		{"nil request", nil, "request"},
		{"bad priority", &providers.Request{Priority: "urgent"}, "priority"},
		{"bad strategy", &providers.Request{Strategy: "fastest"}, "strategy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Execute(context.Background(), tt.req)
			var verr *providers.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Execute() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestEngine_NoProviderAvailable(t *testing.T) {
	eng := newTestEngine(t, newScripted().exec)

	_, err := eng.Execute(context.Background(), &providers.Request{Candidates: []string{"missing"}})
	if !errors.Is(err, routing.ErrNoProviderAvailable) {
		t.Errorf("Execute() error = %v, want ErrNoProviderAvailable", err)
	}

	if err := eng.SetProviderHealth("a", false); err != nil {
		t.Fatalf("SetProviderHealth() error = %v", err)
	}
	if err := eng.SetProviderHealth("b", false); err != nil {
		t.Fatalf("SetProviderHealth() error = %v", err)
	}
	if eng.Ready() {
		t.Error("Ready() = true with every provider unhealthy")
	}
	if _, err := eng.Execute(context.Background(), &providers.Request{}); !errors.Is(err, routing.ErrNoProviderAvailable) {
		t.Errorf("Execute() error = %v, want ErrNoProviderAvailable", err)
	}
}

func TestEngine_ExecuteHedged(t *testing.T) {
	exec := newScripted()
	cancelled := make(chan struct{})
	exec.on("a", func(ctx context.Context) (*providers.Response, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	eng := newTestEngine(t, exec.exec)

	resp, err := eng.ExecuteHedged(context.Background(), &providers.Request{})
	if err != nil {
		t.Fatalf("ExecuteHedged() error = %v", err)
	}
	if resp.Provider != "b" || !resp.Hedged {
		t.Errorf("resp = provider %q hedged %v, want hedged b", resp.Provider, resp.Hedged)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("losing attempt was not cancelled")
	}
	waitFor(t, "slots released", func() bool {
		return inFlight(eng, "a") == 0 && inFlight(eng, "b") == 0
	})

	if _, status, _ := eng.Provider("a"); status.TotalFailures != 0 {
		t.Errorf("cancelled loser recorded %d circuit failures, want 0", status.TotalFailures)
	}
	if got := eng.Stats().Hedging.HedgeWins; got != 1 {
		t.Errorf("HedgeWins = %d, want 1", got)
	}
}

func TestEngine_ExecuteHedgedDisabledFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hedging = hedging.Config{Enabled: false}
	exec := newScripted()
	eng, err := New(cfg, exec.exec)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer eng.Close()
	if err := eng.RegisterProvider(ProviderConfig{ID: "only"}); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}

	resp, err := eng.ExecuteHedged(context.Background(), &providers.Request{})
	if err != nil {
		t.Fatalf("ExecuteHedged() error = %v", err)
	}
	if resp.Hedged || resp.Provider != "only" {
		t.Errorf("resp = %+v, want unhedged response from only", resp)
	}
}

// streamer is a stream executor scripted per provider.
func streamer(script map[string][]string, failAfter map[string]error) providers.StreamExecutor {
	return func(ctx context.Context, provider string, req *providers.Request) (<-chan *providers.StreamChunk, error) {
		ch := make(chan *providers.StreamChunk)
		go func() {
			defer close(ch)
			for i, delta := range script[provider] {
				select {
				case ch <- &providers.StreamChunk{Index: i, Delta: delta, Units: 1}:
				case <-ctx.Done():
					return
				}
			}
			if err := failAfter[provider]; err != nil {
				select {
				case ch <- &providers.StreamChunk{Error: err}:
				case <-ctx.Done():
				}
			}
		}()
		return ch, nil
	}
}

func collect(t *testing.T, stream <-chan *providers.StreamChunk) ([]*providers.StreamChunk, error) {
	t.Helper()
	var chunks []*providers.StreamChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return chunks, nil
			}
			if chunk.Error != nil {
				return chunks, chunk.Error
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestEngine_ExecuteStreamFailsOver(t *testing.T) {
	stream := streamer(
		map[string][]string{"a": {"a0", "a1"}, "b": {"b0", "b1", "b2"}},
		map[string]error{"a": errors.New("connection reset by peer")},
	)
	eng := newTestEngine(t, newScripted().exec, WithStreamExecutor(stream))

	out, err := eng.ExecuteStream(context.Background(), &providers.Request{})
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}
	chunks, err := collect(t, out)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks, want 5", len(chunks))
	}
	if chunks[0].Provider != "a" || chunks[4].Provider != "b" {
		t.Errorf("providers = %s..%s, want a..b", chunks[0].Provider, chunks[4].Provider)
	}

	waitFor(t, "stream accounted", func() bool {
		s := eng.Stats()
		return s.Requests == 1 && inFlight(eng, "a") == 0 && inFlight(eng, "b") == 0
	})
	if snap, _, _ := eng.Provider("b"); snap.SuccessCount != 1 || snap.TotalUnits != 3 {
		t.Errorf("b snapshot = %+v, want one success with 3 units", snap)
	}
	if got := eng.Stats().Failover.StreamRestarts; got != 1 {
		t.Errorf("StreamRestarts = %d, want 1", got)
	}
}

func TestEngine_ExecuteStreamUnsupported(t *testing.T) {
	eng := newTestEngine(t, newScripted().exec)

	if _, err := eng.ExecuteStream(context.Background(), &providers.Request{}); !errors.Is(err, ErrStreamingUnsupported) {
		t.Errorf("ExecuteStream() error = %v, want ErrStreamingUnsupported", err)
	}
	if got := inFlight(eng, "a"); got != 0 {
		t.Errorf("a in-flight = %d, want 0", got)
	}
}

func TestEngine_ExecuteHedgedStream(t *testing.T) {
	slowA := func(ctx context.Context, provider string, req *providers.Request) (<-chan *providers.StreamChunk, error) {
		if provider == "a" {
			ch := make(chan *providers.StreamChunk)
			go func() {
				defer close(ch)
				<-ctx.Done()
			}()
			return ch, nil
		}
		return streamer(map[string][]string{"b": {"x", "y"}}, nil)(ctx, provider, req)
	}
	eng := newTestEngine(t, newScripted().exec, WithStreamExecutor(slowA))

	out, err := eng.ExecuteHedgedStream(context.Background(), &providers.Request{})
	if err != nil {
		t.Fatalf("ExecuteHedgedStream() error = %v", err)
	}
	chunks, err := collect(t, out)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(chunks) != 2 || chunks[0].Provider != "b" {
		t.Errorf("chunks = %d from %q, want 2 from b", len(chunks), chunks[0].Provider)
	}
	waitFor(t, "slots released", func() bool {
		return inFlight(eng, "a") == 0 && inFlight(eng, "b") == 0
	})
}

// ticker streams n chunks from every provider, one per interval.
func ticker(n int, interval time.Duration) providers.StreamExecutor {
	return func(ctx context.Context, provider string, req *providers.Request) (<-chan *providers.StreamChunk, error) {
		ch := make(chan *providers.StreamChunk)
		go func() {
			defer close(ch)
			for i := 0; i < n; i++ {
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return
				}
				select {
				case ch <- &providers.StreamChunk{Index: i, Delta: "x", Units: 1}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

func TestEngine_StreamCallerCancel(t *testing.T) {
	tests := []struct {
		name string
		open func(*Engine, context.Context) (<-chan *providers.StreamChunk, error)
	}{
		{"stream", func(e *Engine, ctx context.Context) (<-chan *providers.StreamChunk, error) {
			return e.ExecuteStream(ctx, &providers.Request{})
		}},
		{"hedged stream", func(e *Engine, ctx context.Context) (<-chan *providers.StreamChunk, error) {
			return e.ExecuteHedgedStream(ctx, &providers.Request{})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, newScripted().exec, WithStreamExecutor(ticker(1000, time.Millisecond)))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			out, err := tt.open(eng, ctx)
			if err != nil {
				t.Fatalf("open error = %v", err)
			}
			select {
			case <-out:
			case <-time.After(2 * time.Second):
				t.Fatal("no chunk before cancel")
			}
			cancel()

			done := make(chan struct{})
			go func() {
				drain(out)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("stream not closed after cancel")
			}

			waitFor(t, "slots released", func() bool {
				return inFlight(eng, "a") == 0 && inFlight(eng, "b") == 0 &&
					eng.queue.ProviderStats("a").InFlight == 0 && eng.queue.ProviderStats("b").InFlight == 0
			})
		})
	}
}

func TestEngine_ApplyConfig(t *testing.T) {
	eng := newTestEngine(t, newScripted().exec)

	err := eng.ApplyConfig([]ProviderConfig{{ID: "a", Weight: 3, CostPerUnit: 1, RequestsPerMinute: 10}})
	if err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}

	snapA, _, _ := eng.Provider("a")
	if snapA.BaseWeight != 3 {
		t.Errorf("a BaseWeight = %v, want 3", snapA.BaseWeight)
	}
	if snapB, _, _ := eng.Provider("b"); snapB.Healthy {
		t.Error("b still healthy after removal from config")
	}
	if got := eng.queue.ProviderStats("a").RequestsPerMinute; got != 10 {
		t.Errorf("a RequestsPerMinute = %d, want 10", got)
	}

	if err := eng.ApplyConfig([]ProviderConfig{{ID: ""}}); err == nil {
		t.Error("ApplyConfig() with empty id succeeded")
	}
}

func TestEngine_ApplyConfigHealth(t *testing.T) {
	eng := newTestEngine(t, newScripted().exec)
	both := []ProviderConfig{{ID: "a", CostPerUnit: 1}, {ID: "b", CostPerUnit: 2}}

	if err := eng.SetProviderHealth("a", false); err != nil {
		t.Fatalf("SetProviderHealth() error = %v", err)
	}
	if err := eng.ApplyConfig(both); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}
	if snap, _, _ := eng.Provider("a"); snap.Healthy {
		t.Error("reload overrode the health flag set through SetProviderHealth")
	}

	if err := eng.ApplyConfig(both[:1]); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}
	if snap, _, _ := eng.Provider("b"); snap.Healthy {
		t.Fatal("b still healthy after removal from config")
	}
	if err := eng.ApplyConfig(both); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}
	if snap, _, _ := eng.Provider("b"); !snap.Healthy {
		t.Error("b not healthy after being added back")
	}
}

func TestEngine_AdminUnknownProvider(t *testing.T) {
	eng := newTestEngine(t, newScripted().exec)

	var notFound *routing.ProviderNotFoundError
	if err := eng.ResetCircuit("zzz"); !errors.As(err, &notFound) {
		t.Errorf("ResetCircuit() error = %v, want *ProviderNotFoundError", err)
	}
	if _, err := eng.ClearQueue("zzz"); !errors.As(err, &notFound) {
		t.Errorf("ClearQueue() error = %v, want *ProviderNotFoundError", err)
	}
	if n, err := eng.ClearQueue("a"); err != nil || n != 0 {
		t.Errorf("ClearQueue(a) = %d, %v; want 0, nil", n, err)
	}
}

func TestEngine_Close(t *testing.T) {
	eng := newTestEngine(t, newScripted().exec)
	eng.Start(context.Background())

	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := eng.Execute(context.Background(), &providers.Request{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute() after Close error = %v, want ErrClosed", err)
	}
}
