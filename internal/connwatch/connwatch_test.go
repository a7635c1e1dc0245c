package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// switchProbe returns a probe whose result follows healthy.
func switchProbe(healthy *atomic.Bool, calls *atomic.Int32) ProbeFunc {
	return func(ctx context.Context) error {
		calls.Add(1)
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}
}

func TestWatch_ImmediateSuccess(t *testing.T) {
	t.Parallel()

	var readyCalled atomic.Int32
	w := Watch(context.Background(), Config{
		Name:     "test-immediate",
		Probe:    func(ctx context.Context) error { return nil },
		Interval: time.Hour,
		OnReady:  func() { readyCalled.Add(1) },
		Logger:   quietLogger(),
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)
	waitFor(t, "OnReady", func() bool { return readyCalled.Load() == 1 })

	s := w.Status()
	if s.Name != "test-immediate" || !s.Ready {
		t.Errorf("Status() = %+v, want ready test-immediate", s)
	}
	if s.LastCheck.IsZero() {
		t.Error("LastCheck should be set after the first probe")
	}
	if s.Transitions != 1 {
		t.Errorf("Transitions = %d, want 1", s.Transitions)
	}
}

func TestWatch_InitialFailureNoOnDown(t *testing.T) {
	t.Parallel()

	var calls, downCalled atomic.Int32
	var healthy atomic.Bool
	w := Watch(context.Background(), Config{
		Name:     "test-initial-down",
		Probe:    switchProbe(&healthy, &calls),
		Interval: time.Millisecond,
		OnDown:   func(error) { downCalled.Add(1) },
		Logger:   quietLogger(),
	})
	defer w.Stop()

	waitFor(t, "several probes", func() bool { return calls.Load() >= 3 })

	if w.IsReady() {
		t.Error("IsReady() = true, want false")
	}
	if downCalled.Load() != 0 {
		t.Errorf("OnDown called %d times, want 0 for a service that was never up", downCalled.Load())
	}
	if err := w.LastError(); err == nil || err.Error() != "connection refused" {
		t.Errorf("LastError() = %v, want connection refused", err)
	}
	if s := w.Status(); s.LastError != "connection refused" || s.Transitions != 0 {
		t.Errorf("Status() = %+v", s)
	}
}

func TestWatch_DownAndRecover(t *testing.T) {
	t.Parallel()

	var calls, readyCalled, downCalled atomic.Int32
	var healthy atomic.Bool
	healthy.Store(true)

	w := Watch(context.Background(), Config{
		Name:     "test-flap",
		Probe:    switchProbe(&healthy, &calls),
		Interval: time.Millisecond,
		OnReady:  func() { readyCalled.Add(1) },
		OnDown:   func(error) { downCalled.Add(1) },
		Logger:   quietLogger(),
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)

	healthy.Store(false)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	waitFor(t, "OnDown", func() bool { return downCalled.Load() == 1 })

	healthy.Store(true)
	waitFor(t, "recovered", w.IsReady)
	waitFor(t, "second OnReady", func() bool { return readyCalled.Load() == 2 })

	// Steady state fires no more callbacks.
	before := calls.Load()
	waitFor(t, "more probes", func() bool { return calls.Load() >= before+3 })
	if readyCalled.Load() != 2 || downCalled.Load() != 1 {
		t.Errorf("callbacks ready=%d down=%d, want 2 and 1", readyCalled.Load(), downCalled.Load())
	}
	if s := w.Status(); s.Transitions != 3 || s.LastError != "" {
		t.Errorf("Status() = %+v, want 3 transitions and no error", s)
	}
}

func TestWatch_ProbeTimeout(t *testing.T) {
	t.Parallel()

	w := Watch(context.Background(), Config{
		Name: "test-timeout",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Interval: time.Hour,
		Timeout:  5 * time.Millisecond,
		Logger:   quietLogger(),
	})
	defer w.Stop()

	waitFor(t, "probe error", func() bool { return w.LastError() != nil })
	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError() = %v, want deadline exceeded", w.LastError())
	}
}

func TestWatch_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := Watch(ctx, Config{
		Name:     "test-cancel",
		Probe:    func(ctx context.Context) error { return errors.New("down") },
		Interval: time.Millisecond,
		Logger:   quietLogger(),
	})

	cancel()
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit after context cancellation")
	}
}

func TestWatch_StopIdempotent(t *testing.T) {
	t.Parallel()

	w := Watch(context.Background(), Config{
		Name:   "test-stop",
		Probe:  func(ctx context.Context) error { return nil },
		Logger: quietLogger(),
	})
	w.Stop()
	w.Stop()
}

func TestWatch_Defaults(t *testing.T) {
	t.Parallel()

	w := Watch(context.Background(), Config{
		Name:  "test-defaults",
		Probe: func(ctx context.Context) error { return nil },
	})
	defer w.Stop()

	if w.config.Interval != defaultInterval {
		t.Errorf("Interval = %v, want %v", w.config.Interval, defaultInterval)
	}
	if w.config.Timeout != defaultTimeout {
		t.Errorf("Timeout = %v, want %v", w.config.Timeout, defaultTimeout)
	}
	if w.config.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
}

func TestWatch_PanicsOnBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty name", Config{Probe: func(context.Context) error { return nil }}},
		{"nil probe", Config{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch should panic")
				}
			}()
			Watch(context.Background(), tt.cfg)
		})
	}
}
