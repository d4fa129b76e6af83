package hedging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/relay/pkg/providers"
)

func respond(payload string) Attempt {
	return func(ctx context.Context) (*providers.Response, error) {
		return &providers.Response{Payload: payload}, nil
	}
}

func fail(err error) Attempt {
	return func(ctx context.Context) (*providers.Response, error) {
		return nil, err
	}
}

func slow(d time.Duration, payload string, cancelled chan<- struct{}) Attempt {
	return func(ctx context.Context) (*providers.Response, error) {
		select {
		case <-time.After(d):
			return &providers.Response{Payload: payload}, nil
		case <-ctx.Done():
			if cancelled != nil {
				close(cancelled)
			}
			return nil, ctx.Err()
		}
	}
}

func TestHedger_WinnerTakeAll(t *testing.T) {
	h := New(Config{Enabled: true, Delay: 50 * time.Millisecond, MaxParallel: 2})

	cancelled := make(chan struct{})
	resp, err := h.Execute(context.Background(), []Attempt{
		slow(5*time.Second, "primary", cancelled),
		respond("hedge"),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Payload != "hedge" {
		t.Errorf("Payload = %v, want hedge", resp.Payload)
	}
	if !resp.Hedged {
		t.Error("Hedged = false, want true")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("primary attempt was not cancelled")
	}

	stats := h.Stats()
	if stats.HedgeWins != 1 || stats.PrimaryWins != 0 {
		t.Errorf("wins = primary %d hedge %d, want 0/1", stats.PrimaryWins, stats.HedgeWins)
	}
	if stats.HedgesLaunched != 1 {
		t.Errorf("HedgesLaunched = %d, want 1", stats.HedgesLaunched)
	}
}

func TestHedger_PrimaryWinCancelsPendingHedges(t *testing.T) {
	h := New(Config{Enabled: true, Delay: time.Hour, MaxParallel: 3})

	var hedgeCalls atomic.Int32
	hedge := func(ctx context.Context) (*providers.Response, error) {
		hedgeCalls.Add(1)
		return &providers.Response{Payload: "hedge"}, nil
	}

	resp, err := h.Execute(context.Background(), []Attempt{respond("primary"), hedge, hedge})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Payload != "primary" || resp.Hedged {
		t.Errorf("resp = %+v, want unhedged primary", resp)
	}
	if got := hedgeCalls.Load(); got != 0 {
		t.Errorf("hedge calls = %d, want 0", got)
	}

	stats := h.Stats()
	if stats.PrimaryWins != 1 {
		t.Errorf("PrimaryWins = %d, want 1", stats.PrimaryWins)
	}
	if stats.CancelledBeforeStart != 2 {
		t.Errorf("CancelledBeforeStart = %d, want 2", stats.CancelledBeforeStart)
	}
	if stats.HedgesLaunched != 0 {
		t.Errorf("HedgesLaunched = %d, want 0", stats.HedgesLaunched)
	}
}

func TestHedger_AllFailed(t *testing.T) {
	h := New(Config{Enabled: true, Delay: 10 * time.Millisecond, MaxParallel: 3})

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	errC := errors.New("c failed")

	_, err := h.Execute(context.Background(), []Attempt{fail(errA), fail(errB), fail(errC)})
	if !errors.Is(err, ErrAllAttemptsFailed) {
		t.Fatalf("Execute() error = %v, want ErrAllAttemptsFailed", err)
	}

	var failed *AllAttemptsFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error type = %T, want *AllAttemptsFailedError", err)
	}
	want := []error{errA, errB, errC}
	for i, e := range want {
		if failed.Errors[i] != e {
			t.Errorf("Errors[%d] = %v, want %v", i, failed.Errors[i], e)
		}
	}
	if failed.LastError == nil {
		t.Error("LastError = nil")
	}
	if got := h.Stats().AllFailed; got != 1 {
		t.Errorf("AllFailed = %d, want 1", got)
	}
}

func TestHedger_FailedPrimaryStartsHedgeEarly(t *testing.T) {
	h := New(Config{Enabled: true, Delay: time.Hour, MaxParallel: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := h.Execute(ctx, []Attempt{
		fail(&providers.ConnectionError{Provider: "a", Cause: errors.New("refused")}),
		respond("backup"),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Payload != "backup" || !resp.Hedged {
		t.Errorf("resp = %+v, want hedged backup", resp)
	}
}

func TestHedger_Disabled(t *testing.T) {
	h := New(Config{Enabled: false, Delay: time.Millisecond, MaxParallel: 3})

	var second atomic.Int32
	resp, err := h.Execute(context.Background(), []Attempt{
		respond("primary"),
		func(ctx context.Context) (*providers.Response, error) {
			second.Add(1)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Payload != "primary" {
		t.Errorf("Payload = %v, want primary", resp.Payload)
	}
	time.Sleep(10 * time.Millisecond)
	if second.Load() != 0 {
		t.Error("second attempt ran with hedging disabled")
	}
	if got := h.Stats().Unhedged; got != 1 {
		t.Errorf("Unhedged = %d, want 1", got)
	}
}

func TestHedger_MaxParallelCap(t *testing.T) {
	h := New(Config{Enabled: true, Delay: 5 * time.Millisecond, MaxParallel: 2})

	var calls atomic.Int32
	attempt := func(ctx context.Context) (*providers.Response, error) {
		calls.Add(1)
		return nil, errors.New("down")
	}

	_, err := h.Execute(context.Background(), []Attempt{attempt, attempt, attempt, attempt, attempt})
	var failed *AllAttemptsFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Execute() error = %v, want *AllAttemptsFailedError", err)
	}
	if len(failed.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2", len(failed.Errors))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestHedger_ContextCancelled(t *testing.T) {
	h := New(Config{Enabled: true, Delay: time.Hour, MaxParallel: 2})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := h.Execute(ctx, []Attempt{
		slow(time.Hour, "primary", nil),
		respond("hedge"),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if got := h.Stats().CancelledBeforeStart; got != 1 {
		t.Errorf("CancelledBeforeStart = %d, want 1", got)
	}
}

func TestHedger_NoAttempts(t *testing.T) {
	h := New(DefaultConfig())

	if _, err := h.Execute(context.Background(), nil); !errors.Is(err, ErrNoAttempts) {
		t.Errorf("Execute() error = %v, want ErrNoAttempts", err)
	}
	if _, err := h.ExecuteStream(context.Background(), nil); !errors.Is(err, ErrNoAttempts) {
		t.Errorf("ExecuteStream() error = %v, want ErrNoAttempts", err)
	}
}

// streamOf returns a StreamAttempt that waits for wait, then sends one chunk
// per delta, stopping early when its context ends.
func streamOf(wait time.Duration, deltas ...string) StreamAttempt {
	return func(ctx context.Context) (<-chan *providers.StreamChunk, error) {
		ch := make(chan *providers.StreamChunk)
		go func() {
			defer close(ch)
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			for i, d := range deltas {
				select {
				case ch <- &providers.StreamChunk{Index: i, Delta: d}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

func failingStream(err error) StreamAttempt {
	return func(ctx context.Context) (<-chan *providers.StreamChunk, error) {
		ch := make(chan *providers.StreamChunk, 1)
		ch <- &providers.StreamChunk{Error: err}
		close(ch)
		return ch, nil
	}
}

func collect(t *testing.T, stream <-chan *providers.StreamChunk) []string {
	t.Helper()
	var deltas []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return deltas
			}
			if chunk.Error != nil {
				t.Fatalf("unexpected error chunk: %v", chunk.Error)
			}
			deltas = append(deltas, chunk.Delta)
		case <-timeout:
			t.Fatal("stream did not finish")
			return nil
		}
	}
}

func TestHedger_StreamHedgeWins(t *testing.T) {
	h := New(Config{Enabled: true, Delay: 20 * time.Millisecond, MaxParallel: 2})

	stream, err := h.ExecuteStream(context.Background(), []StreamAttempt{
		streamOf(5*time.Second, "slow"),
		streamOf(0, "a", "b", "c"),
	})
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}

	got := collect(t, stream)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("deltas = %v, want [a b c]", got)
	}

	stats := h.Stats()
	if stats.HedgeWins != 1 || stats.HedgesLaunched != 1 {
		t.Errorf("stats = %+v, want one launched hedge that won", stats)
	}
}

func TestHedger_StreamPrimaryFailsBeforeFirstChunk(t *testing.T) {
	h := New(Config{Enabled: true, Delay: time.Hour, MaxParallel: 2})

	stream, err := h.ExecuteStream(context.Background(), []StreamAttempt{
		failingStream(errors.New("reset")),
		streamOf(0, "x", "y"),
	})
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}
	if got := collect(t, stream); len(got) != 2 {
		t.Errorf("deltas = %v, want [x y]", got)
	}
}

func TestHedger_StreamPrimaryWins(t *testing.T) {
	h := New(Config{Enabled: true, Delay: time.Hour, MaxParallel: 2})

	var hedgeOpened atomic.Bool
	stream, err := h.ExecuteStream(context.Background(), []StreamAttempt{
		streamOf(0, "p1", "p2"),
		func(ctx context.Context) (<-chan *providers.StreamChunk, error) {
			hedgeOpened.Store(true)
			return streamOf(0, "h")(ctx)
		},
	})
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}
	if got := collect(t, stream); len(got) != 2 || got[0] != "p1" {
		t.Errorf("deltas = %v, want [p1 p2]", got)
	}
	if hedgeOpened.Load() {
		t.Error("hedge stream was opened")
	}

	stats := h.Stats()
	if stats.PrimaryWins != 1 || stats.CancelledBeforeStart != 1 {
		t.Errorf("stats = %+v, want primary win with one cancelled hedge", stats)
	}
}

func TestHedger_StreamAllFailed(t *testing.T) {
	h := New(Config{Enabled: true, Delay: time.Hour, MaxParallel: 2})

	openErr := errors.New("cannot open")
	_, err := h.ExecuteStream(context.Background(), []StreamAttempt{
		failingStream(errors.New("reset")),
		func(ctx context.Context) (<-chan *providers.StreamChunk, error) { return nil, openErr },
	})
	if !errors.Is(err, ErrAllAttemptsFailed) {
		t.Fatalf("ExecuteStream() error = %v, want ErrAllAttemptsFailed", err)
	}
	if !errors.Is(err, openErr) {
		t.Errorf("error %v does not wrap the last failure", err)
	}
}
