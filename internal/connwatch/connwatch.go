// Package connwatch polls an external dependency and reports when it
// comes and goes.
//
// The MQTT client reconnects on its own; connwatch does not drive
// reconnection. It only observes, so operators get one log line per
// transition, a health endpoint has something to report, and the
// broker_connected gauge stays current.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 2 * time.Second
)

// Config configures a Watcher.
type Config struct {
	// Name identifies the service in logs and status (e.g., "mqtt").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval between probes (default: 5s).
	Interval time.Duration

	// Timeout bounds each probe call (default: 2s).
	Timeout time.Duration

	// OnReady is called when the service transitions to ready,
	// including the first successful probe. Called from the watcher
	// goroutine; must not block. Optional.
	OnReady func()

	// OnDown is called when the service transitions from ready to
	// not-ready. Called from the watcher goroutine; must not block.
	// Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched service, suitable for
// JSON serialization in health endpoints.
type ServiceStatus struct {
	Name        string    `json:"name"`
	Ready       bool      `json:"ready"`
	LastCheck   time.Time `json:"last_check"`
	LastChange  time.Time `json:"last_change,omitempty"`
	Transitions uint64    `json:"transitions"`
	LastError   string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	lastErr     error
	lastCheck   time.Time
	lastChange  time.Time
	transitions uint64
}

// Watch starts a watcher that probes immediately and then every
// Interval until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:        w.config.Name,
		Ready:       w.ready.Load(),
		LastCheck:   w.lastCheck,
		LastChange:  w.lastChange,
		Transitions: w.transitions,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit. Safe
// to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	w.check(ctx, true)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx, false)
		}
	}
}

// check runs one probe and handles any state transition.
func (w *Watcher) check(ctx context.Context, first bool) {
	err := w.probe(ctx)
	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the service.
		return
	}
	logger := w.config.Logger
	wasReady := w.ready.Load()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	changed := wasReady != (err == nil)
	if changed {
		w.lastChange = w.lastCheck
		w.transitions++
	}
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		if first {
			logger.Info("service connected", "service", w.config.Name)
		} else {
			logger.Info("service recovered", "service", w.config.Name)
		}
		if w.config.OnReady != nil {
			w.config.OnReady()
		}
	case err != nil && wasReady:
		w.ready.Store(false)
		logger.Warn("service became unreachable",
			"service", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			w.config.OnDown(err)
		}
	case err != nil && first:
		logger.Info("service not reachable yet",
			"service", w.config.Name,
			"error", err,
		)
	case err != nil:
		logger.Debug("service still unreachable",
			"service", w.config.Name,
			"error", err,
		)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}
