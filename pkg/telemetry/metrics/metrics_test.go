package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/relay/pkg/config"
	"mercator-hq/relay/pkg/engine"
	"mercator-hq/relay/pkg/limits/queue"
	"mercator-hq/relay/pkg/providers"
	"mercator-hq/relay/pkg/routing"
	"mercator-hq/relay/pkg/routing/circuit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Namespace: "test",
		Path:      "/metrics",
	}
}

func newTestCollector() *Collector {
	return NewCollector(testConfig(), prometheus.NewRegistry())
}

func TestNewCollector_Defaults(t *testing.T) {
	cfg := &config.MetricsConfig{}
	c := NewCollector(cfg, nil)

	if cfg.Namespace != "relay" {
		t.Errorf("Namespace = %q, want relay", cfg.Namespace)
	}
	if len(cfg.RequestDurationBuckets) == 0 {
		t.Error("RequestDurationBuckets not defaulted")
	}
	if c.Registry() == nil {
		t.Fatal("Registry() = nil")
	}
}

func TestCollector_ObserveRequest(t *testing.T) {
	c := newTestCollector()

	tests := []struct {
		name      string
		mode      engine.Mode
		err       error
		status    string
		errorType string
	}{
		{"unary success", engine.ModeUnary, nil, "success", ""},
		{"stream timeout", engine.ModeStream, &providers.TimeoutError{Provider: "a", Timeout: time.Second}, "error", "timeout"},
		{"hedge exhausted", engine.ModeHedge, &providers.ConnectionError{Provider: "a", Cause: errors.New("reset")}, "error", "connection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.ObserveRequest(tt.mode, 200*time.Millisecond, tt.err)

			count := testutil.ToFloat64(c.requestMetrics.requestsTotal.WithLabelValues(string(tt.mode), tt.status))
			if count != 1 {
				t.Errorf("requests_total{%s,%s} = %v, want 1", tt.mode, tt.status, count)
			}
			if tt.errorType != "" {
				errs := testutil.ToFloat64(c.requestMetrics.errorsTotal.WithLabelValues(string(tt.mode), tt.errorType))
				if errs != 1 {
					t.Errorf("request_errors_total{%s,%s} = %v, want 1", tt.mode, tt.errorType, errs)
				}
			}
		})
	}

	if n := testutil.CollectAndCount(c.requestMetrics.requestDuration); n != 3 {
		t.Errorf("request_duration_seconds series = %d, want 3", n)
	}
}

func TestCollector_ObserveAttempt(t *testing.T) {
	c := newTestCollector()

	c.ObserveAttempt("openai", 100*time.Millisecond, nil)
	c.ObserveAttempt("openai", 300*time.Millisecond, nil)
	c.ObserveAttempt("openai", time.Second, &providers.RateLimitError{Provider: "openai"})

	if got := testutil.ToFloat64(c.providerMetrics.attempts.WithLabelValues("openai", "success")); got != 2 {
		t.Errorf("success attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.providerMetrics.attempts.WithLabelValues("openai", "error")); got != 1 {
		t.Errorf("error attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.providerMetrics.errors.WithLabelValues("openai", "rate_limit")); got != 1 {
		t.Errorf("rate_limit errors = %v, want 1", got)
	}
}

func TestCollector_ObserveFailoverAndCircuit(t *testing.T) {
	c := newTestCollector()

	c.ObserveFailover("a", "b")
	c.ObserveFailover("a", "b")
	c.ObserveCircuitChange("a", circuit.StateClosed, circuit.StateOpen)
	c.ObserveCircuitChange("a", circuit.StateOpen, circuit.StateHalfOpen)

	if got := testutil.ToFloat64(c.providerMetrics.failovers.WithLabelValues("a", "b")); got != 2 {
		t.Errorf("failovers{a,b} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.providerMetrics.circuitTransitions.WithLabelValues("a", "closed", "open")); got != 1 {
		t.Errorf("transitions{closed->open} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.providerMetrics.circuitTransitions.WithLabelValues("a", "open", "half_open")); got != 1 {
		t.Errorf("transitions{open->half_open} = %v, want 1", got)
	}
}

func TestCollector_FailoverCardinalityCap(t *testing.T) {
	c := newTestCollector()
	c.cardinalityLimiter = NewCardinalityLimiter(1)

	c.ObserveFailover("a", "b")
	c.ObserveFailover("b", "c")

	if got := testutil.ToFloat64(c.providerMetrics.failovers.WithLabelValues("other", "other")); got != 1 {
		t.Errorf("failovers{other,other} = %v, want 1", got)
	}
	if c.cardinalityLimiter.Count() != 1 {
		t.Errorf("Count() = %d, want 1", c.cardinalityLimiter.Count())
	}
}

type staticSource struct {
	stats engine.Stats
}

func (s staticSource) Stats() engine.Stats { return s.stats }

func testStats() engine.Stats {
	return engine.Stats{
		CircuitTrips: 3,
		Circuits: []circuit.Status{
			{Provider: "a", State: circuit.StateOpen},
			{Provider: "b", State: circuit.StateClosed},
		},
		Balancer: routing.BalancerStats{
			Providers: []routing.ProviderSnapshot{
				{ID: "a", ComputedWeight: 0.5, Healthy: true, CurrentConcurrent: 2, P95Latency: 400 * time.Millisecond},
				{ID: "b", ComputedWeight: 1.5, Healthy: false},
			},
		},
		Queues: []queue.ProviderStats{
			{Provider: "a", PendingHigh: 1, PendingNormal: 4, Rejected: 7},
		},
	}
}

func TestStateCollector(t *testing.T) {
	sc := NewStateCollector(testConfig(), staticSource{stats: testStats()})

	// 2 circuits, 1 trip counter, 4 series per provider, 5 per queue,
	// 8 failover events, 7 hedging events.
	if n := testutil.CollectAndCount(sc); n != 2+1+8+5+8+7 {
		t.Errorf("CollectAndCount = %d, want %d", n, 2+1+8+5+8+7)
	}

	expected := `
# HELP test_circuit_state Circuit breaker state (0=closed, 1=open, 2=half_open)
# TYPE test_circuit_state gauge
test_circuit_state{provider="a"} 1
test_circuit_state{provider="b"} 0
# HELP test_provider_weight Computed selection weight
# TYPE test_provider_weight gauge
test_provider_weight{provider="a"} 0.5
test_provider_weight{provider="b"} 1.5
`
	if err := testutil.CollectAndCompare(sc, strings.NewReader(expected), "test_circuit_state", "test_provider_weight"); err != nil {
		t.Error(err)
	}

	if n := testutil.CollectAndCount(sc, "test_queue_pending"); n != 3 {
		t.Errorf("queue_pending series = %d, want 3", n)
	}
}

func TestCollector_RegisterEngineOnce(t *testing.T) {
	c := newTestCollector()
	src := staticSource{stats: testStats()}

	c.RegisterEngine(src)
	c.RegisterEngine(src)

	if _, err := c.Registry().Gather(); err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
}

func TestCollector_WithEngine(t *testing.T) {
	c := newTestCollector()

	exec := func(ctx context.Context, provider string, req *providers.Request) (*providers.Response, error) {
		return &providers.Response{Payload: "ok", Units: 1}, nil
	}
	eng, err := engine.New(engine.DefaultConfig(), exec, engine.WithObserver(c))
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()
	if err := eng.RegisterProvider(engine.ProviderConfig{ID: "a", Weight: 1}); err != nil {
		t.Fatal(err)
	}
	c.RegisterEngine(eng)

	if _, err := eng.Execute(context.Background(), &providers.Request{Model: "m"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := testutil.ToFloat64(c.requestMetrics.requestsTotal.WithLabelValues("unary", "success")); got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.providerMetrics.attempts.WithLabelValues("a", "success")); got != 1 {
		t.Errorf("attempts = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	c := newTestCollector()
	c.ObserveRequest(engine.ModeUnary, time.Second, nil)

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `test_requests_total{mode="unary",status="success"} 1`) {
		t.Errorf("body missing requests_total:\n%s", body)
	}
}
