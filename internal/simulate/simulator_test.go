package simulate

import (
	"context"
	"errors"
	"testing"
	"time"

	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/providers"
)

func TestExecute_Success(t *testing.T) {
	s := New(map[string]Profile{"a": {Latency: time.Millisecond, Units: 42}}, WithSeed(1))

	resp, err := s.Execute(context.Background(), "a", &providers.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Units != 42 || resp.Provider != "a" {
		t.Errorf("response = %+v", resp)
	}
	if st := s.Stats()["a"]; st.Calls != 1 || st.Failures != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExecute_ErrorKinds(t *testing.T) {
	tests := []struct {
		kind      string
		retryable bool
		errorType string
	}{
		{"server_error", true, "server_error"},
		{"rate_limit", true, "rate_limit"},
		{"timeout", true, "timeout"},
		{"connection", true, "connection"},
		{"auth", false, "auth"},
		{"validation", false, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			s := New(map[string]Profile{"a": {ErrorRate: 1, ErrorKind: tt.kind}}, WithSeed(1))
			_, err := s.Execute(context.Background(), "a", &providers.Request{})
			if err == nil {
				t.Fatal("expected error")
			}
			if providers.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, !tt.retryable, tt.retryable)
			}
			if got := providers.ErrorType(err); got != tt.errorType {
				t.Errorf("ErrorType = %q, want %q", got, tt.errorType)
			}
		})
	}
}

func TestExecute_UnknownProvider(t *testing.T) {
	s := New(nil)
	_, err := s.Execute(context.Background(), "nope", &providers.Request{})
	var connErr *providers.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error = %v, want ConnectionError", err)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	s := New(map[string]Profile{"a": {Latency: 5 * time.Second}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Execute(ctx, "a", &providers.Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Execute ignored cancellation")
	}
}

func TestStream(t *testing.T) {
	s := New(map[string]Profile{"a": {Chunks: 4, Units: 10}}, WithSeed(1))

	ch, err := s.Stream(context.Background(), "a", &providers.Request{})
	if err != nil {
		t.Fatal(err)
	}

	var n, units int
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		if chunk.Index != n {
			t.Errorf("chunk index = %d, want %d", chunk.Index, n)
		}
		n++
		units += chunk.Units
	}
	if n != 4 || units != 10 {
		t.Errorf("got %d chunks, %d units; want 4, 10", n, units)
	}
}

func TestStream_MidStreamError(t *testing.T) {
	s := New(map[string]Profile{"a": {Chunks: 5, MidStreamErrorRate: 1}}, WithSeed(1))

	ch, err := s.Stream(context.Background(), "a", &providers.Request{})
	if err != nil {
		t.Fatal(err)
	}

	var chunks []*providers.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Error != nil || chunks[1].Error == nil {
		t.Errorf("chunks = %+v", chunks)
	}
	if !providers.IsRetryable(chunks[1].Error) {
		t.Error("mid-stream reset should be retryable")
	}
}

func TestStream_OpenFailure(t *testing.T) {
	s := New(map[string]Profile{"a": {ErrorRate: 1}}, WithSeed(1))
	if _, err := s.Stream(context.Background(), "a", &providers.Request{}); err == nil {
		t.Error("expected open failure")
	}
	if st := s.Stats()["a"]; st.Streams != 1 || st.Failures != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestJitterBounds(t *testing.T) {
	s := New(map[string]Profile{"a": {Latency: 100 * time.Millisecond, Jitter: 50 * time.Millisecond}}, WithSeed(7))
	for i := 0; i < 100; i++ {
		_, delay, _, _, err := s.begin("a", false)
		if err != nil {
			t.Fatal(err)
		}
		if delay < 50*time.Millisecond || delay > 150*time.Millisecond {
			t.Fatalf("delay %v outside [50ms, 150ms]", delay)
		}
	}
}

func TestProfilesFromConfig(t *testing.T) {
	cfg := &config.Config{Providers: []config.ProviderConfig{{ID: "a"}, {ID: "b"}}}
	config.ApplyDefaults(cfg)
	cfg.Providers[1].Simulation.ErrorRate = 0.5

	profiles := ProfilesFromConfig(cfg)
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles", len(profiles))
	}
	if profiles["a"].Latency != config.DefaultSimulationLatency {
		t.Errorf("a latency = %v", profiles["a"].Latency)
	}
	if profiles["b"].ErrorRate != 0.5 {
		t.Errorf("b error rate = %v", profiles["b"].ErrorRate)
	}

	s := New(profiles)
	s.Update(map[string]Profile{"c": {}})
	if _, err := s.Execute(context.Background(), "a", &providers.Request{}); err == nil {
		t.Error("provider a still served after Update")
	}
}
