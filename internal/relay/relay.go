package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/aprs-mqtt-relay/internal/config"
	"github.com/nugget/aprs-mqtt-relay/internal/mqtt"
	"github.com/nugget/aprs-mqtt-relay/internal/packet"
	"github.com/nugget/aprs-mqtt-relay/internal/saturation"
)

// publishQoS is at-most-once; no acknowledgment is expected.
const publishQoS byte = 0

// ErrDisabled is returned by Start when the relay will not publish,
// either because MQTT is disabled in config or because the broker
// could not be reached at startup.
var ErrDisabled = errors.New("relay disabled")

// Connection is what the relay needs from the broker connection.
// [*mqtt.ConnectionManager] satisfies it.
type Connection interface {
	IsLive() bool
	Enqueue(topic string, payload []byte, qos byte) mqtt.Outcome
}

type starter interface {
	Start(ctx context.Context) error
}

type stopper interface {
	Stop(ctx context.Context)
}

// drainNotifier reports the outcome of each publish made from the
// outbound queue. Without it the relay cannot leave shedding, since a
// shed packet never reaches Enqueue.
type drainNotifier interface {
	OnDrained(fn func(published, queueEmpty bool))
}

// Sink receives diagnostics. Emit must not block and must not panic.
type Sink interface {
	Emit(level slog.Level, msg string, args ...any)
}

// SkipReason says why a packet was not published.
type SkipReason int

const (
	SkipOffline SkipReason = iota
	SkipShed
)

func (r SkipReason) String() string {
	switch r {
	case SkipOffline:
		return "offline"
	case SkipShed:
		return "shed"
	default:
		return "unknown"
	}
}

// Observer is notified of each decision the relay makes. It is called
// synchronously on the Handle path and must be cheap.
type Observer interface {
	PacketReceived()
	PacketSkipped(reason SkipReason)
	PacketEnqueued(outcome mqtt.Outcome, snap saturation.Snapshot)
}

type nopObserver struct{}

func (nopObserver) PacketReceived()                                  {}
func (nopObserver) PacketSkipped(SkipReason)                         {}
func (nopObserver) PacketEnqueued(mqtt.Outcome, saturation.Snapshot) {}

// Stats is a point-in-time view of the relay counters.
type Stats struct {
	Disabled    bool                `json:"disabled"`
	Received    uint64              `json:"received"`
	Transmitted uint64              `json:"transmitted"`
	Offline     uint64              `json:"offline"`
	Shed        uint64              `json:"shed"`
	Saturation  saturation.Snapshot `json:"saturation"`
}

// Relay publishes packets to one MQTT topic.
type Relay struct {
	topic    string
	conn     Connection
	enc      packet.Encoder
	tracker  *saturation.Tracker
	sink     Sink
	logger   *slog.Logger
	observer Observer

	disabled atomic.Bool
	// live remembers the last observed broker liveness so that an
	// outage is logged once, not once per packet.
	live atomic.Bool

	received    atomic.Uint64
	transmitted atomic.Uint64
	offline     atomic.Uint64
	shed        atomic.Uint64

	stopOnce sync.Once
}

// New creates a Relay. If MQTT is disabled in cfg the relay starts out
// disabled and every Handle call returns immediately. A nil logger
// uses slog.Default; a nil sink logs through the logger.
func New(cfg *config.Config, conn Connection, enc packet.Encoder, sink Sink, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = loggerSink{logger}
	}
	r := &Relay{
		topic:    cfg.MQTT.Topic,
		conn:     conn,
		enc:      enc,
		tracker:  saturation.New(saturation.ConfigFrom(cfg.Relay), sink),
		sink:     sink,
		logger:   logger,
		observer: nopObserver{},
	}
	if dn, ok := conn.(drainNotifier); ok {
		dn.OnDrained(r.tracker.Drained)
	}
	r.live.Store(true)
	if !cfg.MQTT.IsEnabled() {
		r.disabled.Store(true)
	}
	return r
}

// SetObserver installs an Observer. Call before the first Handle.
func (r *Relay) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	r.observer = o
}

// Start starts the connection, if it can be started. On any failure
// the relay disables itself for the life of the process and returns an
// error wrapping both [ErrDisabled] and the cause. Callers log it and
// keep running; Handle stays safe to call.
func (r *Relay) Start(ctx context.Context) error {
	if r.disabled.Load() {
		return ErrDisabled
	}
	s, ok := r.conn.(starter)
	if !ok {
		return nil
	}
	if err := s.Start(ctx); err != nil {
		r.disabled.Store(true)
		r.sink.Emit(slog.LevelError, "mqtt relay disabled, broker unavailable at startup", "error", err)
		return fmt.Errorf("%w: %w", ErrDisabled, err)
	}
	return nil
}

// Disabled reports whether the relay has been switched off.
func (r *Relay) Disabled() bool {
	return r.disabled.Load()
}

// Handle processes one packet and returns [packet.NoReply].
func (r *Relay) Handle(pkt packet.Packet) packet.Reply {
	if r.disabled.Load() {
		return packet.NoReply
	}
	r.received.Add(1)
	r.observer.PacketReceived()
	defer r.tracker.Tick()

	if !r.conn.IsLive() {
		r.offline.Add(1)
		if r.live.CompareAndSwap(true, false) {
			r.sink.Emit(slog.LevelWarn, "mqtt broker not connected, dropping packets until reconnect",
				"from", pkt.From())
		}
		r.observer.PacketSkipped(SkipOffline)
		return packet.NoReply
	}
	if r.live.CompareAndSwap(false, true) {
		r.sink.Emit(slog.LevelInfo, "mqtt broker connection restored, publishing resumed",
			"dropped_while_offline", r.offline.Load())
	}

	if r.tracker.ShouldShed() {
		r.shed.Add(1)
		r.observer.PacketSkipped(SkipShed)
		return packet.NoReply
	}

	outcome, size := r.publish(pkt)
	r.tracker.Record(outcome)
	r.observer.PacketEnqueued(outcome, r.tracker.Snapshot())

	if outcome.Status == mqtt.Accepted && size > 0 {
		r.transmitted.Add(1)
	}
	r.logger.Log(context.Background(), config.LevelTrace, "packet relayed",
		"from", pkt.From(), "outcome", outcome.String(), "size", size)
	return packet.NoReply
}

// publish encodes and enqueues one packet. Encoding errors and panics
// from the encoder or the connection become Rejected outcomes.
func (r *Relay) publish(pkt packet.Packet) (outcome mqtt.Outcome, size int) {
	defer func() {
		if p := recover(); p != nil {
			outcome = mqtt.RejectedOutcome(fmt.Sprintf("panic: %v", p))
			size = 0
		}
	}()

	payload, err := r.enc.Encode(pkt)
	if err != nil {
		return mqtt.RejectedOutcome(err.Error()), 0
	}
	return r.conn.Enqueue(r.topic, payload, publishQoS), len(payload)
}

// Stats returns the current counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Disabled:    r.disabled.Load(),
		Received:    r.received.Load(),
		Transmitted: r.transmitted.Load(),
		Offline:     r.offline.Load(),
		Shed:        r.shed.Load(),
		Saturation:  r.tracker.Snapshot(),
	}
}

// Stop stops the connection if it can be stopped. It is safe to call
// more than once and never fails.
func (r *Relay) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		if s, ok := r.conn.(stopper); ok {
			s.Stop(ctx)
		}
		st := r.Stats()
		r.logger.Info("mqtt relay stopped",
			"received", st.Received,
			"transmitted", st.Transmitted,
			"offline", st.Offline,
			"shed", st.Shed,
			"queue_full_total", st.Saturation.QueueFull,
			"publish_failures_total", st.Saturation.PublishFailures,
		)
	})
}

// loggerSink is the fallback Sink when none is supplied.
type loggerSink struct{ logger *slog.Logger }

func (s loggerSink) Emit(level slog.Level, msg string, args ...any) {
	s.logger.Log(context.Background(), level, msg, args...)
}
