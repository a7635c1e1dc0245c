// Package saturation turns a stream of enqueue outcomes into a
// load-shedding decision.
//
// The [Tracker] keeps two lifetime counters (queue-full rejections and
// other publish failures) and one decaying counter of recent
// queue-full rejections. The decaying counter rises by one on every
// queue-full outcome and falls by one on every accepted publish; while
// it sits above the shed threshold the relay drops packets before
// encoding them. Because only accepted publishes lower it, shedding
// does not end on the first success at the boundary.
//
// While shedding, no packet reaches the queue, so no accepted outcome
// can arrive through [Tracker.Record]. Recovery is driven instead by
// [Tracker.Drained], which the connection calls after every
// drain-side publish: each delivered payload lowers the counter, and a
// queue that has emptied ends shedding outright.
package saturation

import (
	"log/slog"
	"sync"

	"github.com/nugget/aprs-mqtt-relay/internal/config"
	"github.com/nugget/aprs-mqtt-relay/internal/mqtt"
)

// Emitter receives diagnostics. Implementations must not block.
type Emitter interface {
	Emit(level slog.Level, msg string, args ...any)
}

// Config tunes a Tracker.
type Config struct {
	// ShedThreshold is the recent queue-full count above which
	// ShouldShed reports true.
	ShedThreshold int
	// RecentCap bounds the recent counter. Zero means uncapped.
	RecentCap int
	// StatsEvery is the packet interval between summaries.
	StatsEvery int
	// WarnEvery is the interval between repeated failure warnings.
	WarnEvery int
}

// ConfigFrom derives a tracker Config from the relay section of the
// configuration file.
func ConfigFrom(rc config.RelayConfig) Config {
	return Config{
		ShedThreshold: rc.ShedThreshold,
		RecentCap:     rc.EffectiveCap(),
		StatsEvery:    rc.StatsEvery,
		WarnEvery:     rc.WarnEvery,
	}
}

// Snapshot is a point-in-time copy of the tracker counters.
type Snapshot struct {
	QueueFull       uint64 `json:"queue_full"`
	PublishFailures uint64 `json:"publish_failures"`
	RecentQueueFull int    `json:"recent_queue_full"`
	Processed       uint64 `json:"processed"`
	Shedding        bool   `json:"shedding"`
}

// Tracker is safe for concurrent use; every read-modify-write happens
// under one mutex so concurrent callers cannot lose updates.
type Tracker struct {
	cfg  Config
	sink Emitter

	mu              sync.Mutex
	queueFull       uint64
	publishFailures uint64
	recent          int
	processed       uint64
}

// New creates a Tracker. Zero-valued Config fields fall back to the
// package defaults in [config].
func New(cfg Config, sink Emitter) *Tracker {
	if cfg.ShedThreshold <= 0 {
		cfg.ShedThreshold = config.DefaultShedThreshold
	}
	if cfg.StatsEvery <= 0 {
		cfg.StatsEvery = config.DefaultStatsEvery
	}
	if cfg.WarnEvery <= 0 {
		cfg.WarnEvery = config.DefaultWarnEvery
	}
	if cfg.RecentCap < 0 {
		cfg.RecentCap = 0
	}
	return &Tracker{cfg: cfg, sink: sink}
}

type emission struct {
	level slog.Level
	msg   string
	args  []any
}

// Record applies one enqueue outcome.
//
//	Accepted   recent = max(0, recent-1)
//	QueueFull  queueFull+1, recent = min(cap, recent+1)
//	Rejected   publishFailures+1
func (t *Tracker) Record(o mqtt.Outcome) {
	var out []emission

	t.mu.Lock()
	wasShedding := t.shedding()

	switch o.Status {
	case mqtt.Accepted:
		if t.recent > 0 {
			t.recent--
		}
	case mqtt.QueueFull:
		t.queueFull++
		if t.cfg.RecentCap == 0 || t.recent < t.cfg.RecentCap {
			t.recent++
		}
		if t.shouldWarn(t.queueFull) {
			out = append(out, emission{slog.LevelWarn, "mqtt outbound queue full, dropping packet", []any{
				"queue_full_total", t.queueFull,
				"recent_queue_full", t.recent,
			}})
		}
	default:
		t.publishFailures++
		if t.shouldWarn(t.publishFailures) {
			out = append(out, emission{slog.LevelWarn, "mqtt publish failed, dropping packet", []any{
				"publish_failures_total", t.publishFailures,
				"reason", o.Reason,
			}})
		}
	}

	out = append(out, t.transition(wasShedding)...)
	t.mu.Unlock()

	t.emit(out)
}

// Drained applies the result of one drain-side publish. It only acts
// while shedding: outside of shedding the packet was already counted
// by Record as accepted.
//
//	published   recent = max(threshold, recent-1)
//	queueEmpty  recent = min(recent, threshold)
func (t *Tracker) Drained(published, queueEmpty bool) {
	var out []emission

	t.mu.Lock()
	wasShedding := t.shedding()
	if wasShedding {
		if published {
			t.recent--
		}
		if queueEmpty && t.recent > t.cfg.ShedThreshold {
			t.recent = t.cfg.ShedThreshold
		}
	}
	out = append(out, t.transition(wasShedding)...)
	t.mu.Unlock()

	t.emit(out)
}

// Tick counts one processed packet. Every StatsEvery-th packet, if any
// queue-full rejections have happened, a summary is emitted.
func (t *Tracker) Tick() {
	t.mu.Lock()
	t.processed++
	var out []emission
	if t.processed%uint64(t.cfg.StatsEvery) == 0 && t.queueFull > 0 {
		out = append(out, emission{slog.LevelInfo, "mqtt saturation summary", []any{
			"processed", t.processed,
			"queue_full_total", t.queueFull,
			"publish_failures_total", t.publishFailures,
			"recent_queue_full", t.recent,
		}})
	}
	t.mu.Unlock()

	t.emit(out)
}

// ShouldShed reports whether the recent queue-full count exceeds the
// shed threshold.
func (t *Tracker) ShouldShed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shedding()
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		QueueFull:       t.queueFull,
		PublishFailures: t.publishFailures,
		RecentQueueFull: t.recent,
		Processed:       t.processed,
		Shedding:        t.shedding(),
	}
}

// transition reports a change in shedding state. Call with t.mu held.
func (t *Tracker) transition(wasShedding bool) []emission {
	switch now := t.shedding(); {
	case now && !wasShedding:
		return []emission{{slog.LevelWarn, "broker saturated, shedding packets", []any{
			"recent_queue_full", t.recent,
			"threshold", t.cfg.ShedThreshold,
		}}}
	case !now && wasShedding:
		return []emission{{slog.LevelInfo, "broker recovered, resuming publish", []any{
			"recent_queue_full", t.recent,
			"threshold", t.cfg.ShedThreshold,
		}}}
	}
	return nil
}

// shedding must be called with t.mu held.
func (t *Tracker) shedding() bool {
	return t.recent > t.cfg.ShedThreshold
}

// shouldWarn reports whether the n-th failure of a kind is logged:
// the first one, then every WarnEvery-th.
func (t *Tracker) shouldWarn(n uint64) bool {
	return n == 1 || n%uint64(t.cfg.WarnEvery) == 0
}

func (t *Tracker) emit(out []emission) {
	if t.sink == nil {
		return
	}
	for _, e := range out {
		t.sink.Emit(e.level, e.msg, e.args...)
	}
}
