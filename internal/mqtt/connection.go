package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/aprs-mqtt-relay/internal/config"
)

const (
	// publishTimeout bounds a single drain-side publish. QoS 0
	// publishes return once the packet is written to the socket.
	publishTimeout = 10 * time.Second

	// subscribeTimeout bounds the on-connect subscribe.
	subscribeTimeout = 10 * time.Second

	// shutdownWait bounds how long Stop waits for autopaho's goroutines
	// once the connection context is cancelled.
	shutdownWait = 5 * time.Second
)

// broker is the subset of [autopaho.ConnectionManager] the manager
// uses. Tests substitute a fake.
type broker interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Disconnect(ctx context.Context) error
	Done() <-chan struct{}
}

var _ broker = (*autopaho.ConnectionManager)(nil)

// dialer creates a broker connection from an autopaho config. It must
// not block waiting for the connection to come up.
type dialer func(ctx context.Context, cfg autopaho.ClientConfig) (broker, error)

func autopahoDialer(ctx context.Context, cfg autopaho.ClientConfig) (broker, error) {
	return autopaho.NewConnection(ctx, cfg)
}

// queued is a payload waiting on the outbound queue.
type queued struct {
	topic   string
	payload []byte
	qos     byte
}

// ConnectionManager maintains one logical connection to the broker.
// IsLive and Enqueue are safe for concurrent use and never block on
// network I/O.
type ConnectionManager struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	dial     dialer

	state   atomic.Int32
	started atomic.Bool
	stopped atomic.Bool

	queue chan queued
	echo  *echoCounter

	// Set once by Start before the drain goroutine runs.
	mu          sync.Mutex
	conn        broker
	cancel      context.CancelFunc
	drainCancel context.CancelFunc
	done        chan struct{}

	published     atomic.Uint64
	drainFailures atomic.Uint64
	subscribes    atomic.Uint64

	drained atomic.Pointer[func(published, queueEmpty bool)]
}

// New creates a ConnectionManager but does not connect. Call
// [ConnectionManager.Start] to open the connection.
func New(cfg config.MQTTConfig, clientID string, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.MaxQueuedMessages
	if size <= 0 {
		size = config.DefaultMaxQueuedMessages
	}
	return &ConnectionManager{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		dial:     autopahoDialer,
		queue:    make(chan queued, size),
		echo:     newEchoCounter(logger),
	}
}

// Start connects to the broker and waits up to connect_timeout_sec for
// the first session. It returns a [*ConnectError] if the broker address
// is unset or invalid, or if the broker cannot be reached in time; in
// that case everything Start created has been torn down. Once Start
// succeeds, autopaho keeps reconnecting in the background until Stop.
func (m *ConnectionManager) Start(ctx context.Context) error {
	if !m.cfg.Configured() {
		return &ConnectError{Err: errNoHost}
	}
	if m.stopped.Load() {
		return &ConnectError{Broker: m.cfg.BrokerURL(), Err: errors.New("connection manager stopped")}
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	brokerURL, err := url.Parse(m.cfg.BrokerURL())
	if err != nil {
		m.fail()
		return &ConnectError{Broker: m.cfg.BrokerURL(), Err: fmt.Errorf("parse broker URL: %w", err)}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.connecting()

	conn, err := m.dial(runCtx, m.clientConfig(runCtx, brokerURL))
	if err != nil {
		cancel()
		m.fail()
		return &ConnectError{Broker: brokerURL.String(), Err: err}
	}

	m.mu.Lock()
	m.conn = conn
	m.cancel = cancel
	m.mu.Unlock()

	timeout := time.Duration(m.cfg.ConnectTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultConnectTimeoutSec) * time.Second
	}
	connCtx, connCancel := context.WithTimeout(ctx, timeout)
	defer connCancel()
	if err := conn.AwaitConnection(connCtx); err != nil {
		m.fail()
		m.teardown(conn, cancel)
		return &ConnectError{Broker: brokerURL.String(), Err: err}
	}

	drainCtx, drainCancel := context.WithCancel(runCtx)
	done := make(chan struct{})
	m.mu.Lock()
	m.drainCancel = drainCancel
	m.done = done
	m.mu.Unlock()
	go m.drain(drainCtx, conn, done)

	m.logger.Info("mqtt connection started",
		"broker", brokerURL.String(),
		"client_id", m.clientID,
		"topic", m.cfg.Topic,
		"max_queued", cap(m.queue),
	)
	return nil
}

func (m *ConnectionManager) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	keepAlive := m.cfg.KeepAliveSec
	if keepAlive <= 0 {
		keepAlive = config.DefaultKeepAliveSec
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(keepAlive),
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                time.Duration(m.cfg.ConnectTimeoutSec) * time.Second,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			var b broker
			if cm != nil {
				b = cm
			} else {
				b = m.current()
			}
			m.onConnectionUp(ctx, b)
		},
		// OnConnectionDown runs synchronously in autopaho's connection
		// loop, once per session that came up, so it cannot overtake the
		// next OnConnectionUp.
		OnConnectionDown: func() bool {
			m.disconnected(errSessionLost)
			return !m.stopped.Load()
		},
		OnConnectError: func(err error) {
			if m.stopped.Load() {
				return
			}
			m.logger.Warn("mqtt connection error", "broker", brokerURL.String(), "error", err)
			m.connecting()
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.echo.observe(pr.Packet.Topic, len(pr.Packet.Payload))
					return true, nil
				},
			},
			// autopaho delivers these on their own goroutines, possibly
			// after a reconnect. They are logged and never change state.
			OnServerDisconnect: func(d *paho.Disconnect) {
				if m.stopped.Load() {
					return
				}
				m.logger.Warn("mqtt server sent disconnect", "reason_code", d.ReasonCode)
			},
			OnClientError: func(err error) {
				if m.stopped.Load() {
					return
				}
				m.logger.Warn("mqtt client error", "error", err)
			},
		},
	}
	if m.cfg.Username != "" {
		cfg.ConnectUsername = m.cfg.Username
		cfg.ConnectPassword = []byte(m.cfg.Password)
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg
}

// onConnectionUp runs on every successful (re-)connect. Subscribing is
// idempotent on the broker side, so repeating it after each reconnect
// is safe.
func (m *ConnectionManager) onConnectionUp(ctx context.Context, b broker) {
	if !m.connected() {
		return
	}
	m.logger.Info("mqtt connected to broker", "broker", m.cfg.BrokerURL())

	if b == nil {
		return
	}
	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if _, err := b.Subscribe(subCtx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: m.cfg.Topic, QoS: 0},
		},
	}); err != nil {
		m.logger.Warn("mqtt subscribe failed", "topic", m.cfg.Topic, "error", err)
		return
	}
	m.subscribes.Add(1)
	m.logger.Debug("mqtt subscribed", "topic", m.cfg.Topic)
}

func (m *ConnectionManager) current() broker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// --- State transitions ---

func (m *ConnectionManager) connecting() {
	if m.stopped.Load() {
		return
	}
	m.state.Store(int32(Connecting))
}

// connected reports whether the transition happened; it is refused
// once the manager has been stopped.
func (m *ConnectionManager) connected() bool {
	if m.stopped.Load() {
		return false
	}
	m.state.Store(int32(Connected))
	return true
}

func (m *ConnectionManager) disconnected(cause error) {
	prev := State(m.state.Swap(int32(Disconnected)))
	if prev == Connected && !m.stopped.Load() {
		m.logger.Warn("mqtt connection lost, waiting for reconnect", "error", cause)
	}
}

// fail marks a failed Start as final. The manager refuses further
// work, just as after Stop.
func (m *ConnectionManager) fail() {
	m.stopped.Store(true)
	m.state.Store(int32(Disconnected))
}

// State returns the current connection state.
func (m *ConnectionManager) State() State {
	return State(m.state.Load())
}

// IsLive reports whether the broker session is currently established.
func (m *ConnectionManager) IsLive() bool {
	return m.State() == Connected
}

// Enqueue hands payload to the outbound queue without blocking. It
// returns [QueueFull] when max_queued_messages payloads are already
// waiting.
func (m *ConnectionManager) Enqueue(topic string, payload []byte, qos byte) Outcome {
	switch {
	case m.stopped.Load():
		return RejectedOutcome(ReasonStopped)
	case !m.started.Load():
		return RejectedOutcome(ReasonNotStarted)
	case topic == "":
		return RejectedOutcome(ReasonEmptyTopic)
	case strings.ContainsAny(topic, "+#"):
		return RejectedOutcome(ReasonWildcard)
	case len(payload) == 0:
		return RejectedOutcome(ReasonEmptyPayload)
	case qos > 2:
		return RejectedOutcome(ReasonInvalidQoS)
	}

	select {
	case m.queue <- queued{topic: topic, payload: payload, qos: qos}:
		return AcceptedOutcome()
	default:
		return QueueFullOutcome()
	}
}

// QueueDepth returns the number of payloads waiting to be published.
func (m *ConnectionManager) QueueDepth() int {
	return len(m.queue)
}

// Published returns how many payloads the drain goroutine delivered.
func (m *ConnectionManager) Published() uint64 { return m.published.Load() }

// DrainFailures returns how many queued payloads failed to publish.
func (m *ConnectionManager) DrainFailures() uint64 { return m.drainFailures.Load() }

// Echoes returns how many messages were received back on the
// subscribed topic.
func (m *ConnectionManager) Echoes() uint64 { return m.echo.total.Load() }

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for connwatch health probes.
func (m *ConnectionManager) AwaitConnection(ctx context.Context) error {
	conn := m.current()
	if conn == nil {
		return ErrNotStarted
	}
	return conn.AwaitConnection(ctx)
}

// OnDrained registers fn to be called after every drain-side publish
// with whether the payload was delivered and whether the queue is now
// empty. fn runs on the drain goroutine and must not block.
func (m *ConnectionManager) OnDrained(fn func(published, queueEmpty bool)) {
	if fn == nil {
		m.drained.Store(nil)
		return
	}
	m.drained.Store(&fn)
}

// drain publishes queued payloads until ctx is cancelled.
func (m *ConnectionManager) drain(ctx context.Context, conn broker, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			if n := len(m.queue); n > 0 {
				m.logger.Info("mqtt outbound queue discarded on shutdown", "pending", n)
			}
			return
		case msg := <-m.queue:
			m.publish(ctx, conn, msg)
		}
	}
}

func (m *ConnectionManager) publish(ctx context.Context, conn broker, msg queued) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if _, err := conn.Publish(pubCtx, &paho.Publish{
		Topic:   msg.topic,
		Payload: msg.payload,
		QoS:     msg.qos,
	}); err != nil {
		m.drainFailures.Add(1)
		// A dropped session is reported by OnConnectionDown; marking
		// it here could race a reconnect that already happened.
		m.logger.Debug("mqtt publish failed",
			"topic", msg.topic, "size", len(msg.payload), "error", err,
			"connection_down", errors.Is(err, autopaho.ConnectionDownError))
		m.notifyDrained(false)
		return
	}
	m.published.Add(1)
	m.notifyDrained(true)
}

func (m *ConnectionManager) notifyDrained(published bool) {
	if fn := m.drained.Load(); fn != nil {
		(*fn)(published, len(m.queue) == 0)
	}
}

// Stop halts the drain goroutine, disconnects, and releases the
// connection. It is idempotent and safe to call when Start was never
// called or failed. Disconnect errors are logged, not returned.
func (m *ConnectionManager) Stop(ctx context.Context) {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.state.Store(int32(Disconnected))

	m.mu.Lock()
	conn, cancel := m.conn, m.cancel
	drainCancel, done := m.drainCancel, m.done
	m.mu.Unlock()

	if drainCancel != nil {
		drainCancel()
		<-done
	}
	if conn == nil {
		return
	}

	if err := conn.Disconnect(ctx); err != nil {
		m.logger.Warn("mqtt disconnect failed", "error", err)
	}
	m.teardown(conn, cancel)
	m.logger.Info("mqtt connection stopped",
		"published", m.published.Load(),
		"drain_failures", m.drainFailures.Load(),
	)
}

// teardown cancels the connection context and waits, within bounds,
// for autopaho's goroutines to finish.
func (m *ConnectionManager) teardown(conn broker, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	timer := time.NewTimer(shutdownWait)
	defer timer.Stop()
	select {
	case <-conn.Done():
	case <-timer.C:
		m.logger.Warn("mqtt connection did not shut down in time")
	}
	m.state.Store(int32(Disconnected))
}
