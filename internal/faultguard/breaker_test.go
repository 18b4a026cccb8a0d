package faultguard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("engine", Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("State() = %s, want open", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if called {
		t.Error("open breaker must not run the call")
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *OpenError", err)
	}
	if openErr.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", openErr.RetryAfter)
	}
	if !errors.Is(err, tmerrors.ErrCircuitOpen) {
		t.Error("OpenError should match ErrCircuitOpen")
	}
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("host", Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 30 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	clock.Advance(29 * time.Second)
	if b.State() != StateOpen {
		t.Fatal("breaker should stay open before the timeout")
	}
	clock.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %s, want half_open", b.State())
	}

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateHalfOpen {
		t.Error("one success is below the success threshold")
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("host", Config{FailureThreshold: 1, SuccessThreshold: 3, Timeout: 10 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(10 * time.Second)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)

	if b.State() != StateOpen {
		t.Fatalf("State() = %s, want open after a half-open failure", b.State())
	}
	snap := b.Snapshot()
	if snap.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %v, want full timeout after reopening", snap.RetryAfter)
	}
}

func TestBreaker_HalfOpenProbeLimit(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("engine", Config{FailureThreshold: 1, SuccessThreshold: 5, Timeout: time.Second, HalfOpenMaxCalls: 1}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	err := b.Execute(ctx, succeed)
	var openErr *OpenError
	if !errors.As(err, &openErr) || openErr.State != StateHalfOpen {
		t.Errorf("second probe err = %v, want half-open rejection", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Errorf("probe slot should be free again: %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("x", Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	if b.State() != StateClosed {
		t.Error("non-consecutive failures must not trip the breaker")
	}
	snap := b.Snapshot()
	if snap.TotalCalls != 5 || snap.Failures != 4 || snap.ConsecutiveFailures != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if rate := snap.FailureRate(); rate != 0.8 {
		t.Errorf("FailureRate() = %v, want 0.8", rate)
	}
}

func TestBreaker_CancellationNotCounted(t *testing.T) {
	b := NewBreaker("x", Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if b.State() != StateClosed {
		t.Error("a canceled call must not trip the breaker")
	}
}

func TestBreaker_ResetAndForceOpen(t *testing.T) {
	b := NewBreaker("x", DefaultConfig())
	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatal("ForceOpen should open")
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatal("Reset should close")
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Config
	}{
		{"default", DefaultConfig(), Config{5, 2, 60 * time.Second, 3}},
		{"aggressive", AggressiveConfig(), Config{3, 3, 120 * time.Second, 1}},
		{"lenient", LenientConfig(), Config{10, 1, 30 * time.Second, 5}},
		{"unknown falls back", PresetConfig("nope"), DefaultConfig()},
		{"named lenient", PresetConfig("lenient"), LenientConfig()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg != tt.want {
				t.Errorf("got %+v, want %+v", tt.cfg, tt.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	a := r.Get("engine", AggressiveConfig())
	again := r.Get("engine", LenientConfig())
	if a != again {
		t.Fatal("Get should return the existing breaker")
	}
	if a.Config() != AggressiveConfig() {
		t.Error("config of an existing breaker must not change")
	}

	r.Get("host", DefaultConfig()).ForceOpen()
	snaps := r.Snapshot()
	if len(snaps) != 2 || snaps[0].Name != "engine" || snaps[1].State != StateOpen {
		t.Errorf("snapshot = %+v", snaps)
	}

	r.ResetAll()
	if b, ok := r.Lookup("host"); !ok || b.State() != StateClosed {
		t.Error("ResetAll should close every breaker")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup of unknown name should fail")
	}
}
