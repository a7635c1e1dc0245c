package metrics

import (
	"github.com/nugget/aprs-mqtt-relay/internal/mqtt"
	"github.com/nugget/aprs-mqtt-relay/internal/relay"
	"github.com/nugget/aprs-mqtt-relay/internal/saturation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const promNamespace = "aprsrelay"

// Collector turns relay decisions into Prometheus metrics. All metrics
// live on a private registry so tests and multiple instances never
// collide on the global default.
type Collector struct {
	registry *prometheus.Registry

	received        prometheus.Counter
	transmitted     prometheus.Counter
	offline         prometheus.Counter
	shed            prometheus.Counter
	queueFull       prometheus.Counter
	publishFailures prometheus.Counter

	recentQueueFull prometheus.Gauge
	brokerConnected prometheus.Gauge
}

var _ relay.Observer = (*Collector)(nil)

// NewCollector creates a Collector with its own registry, including the
// standard Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		received: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "packets_received_total",
			Help:      "Packets handed to the relay while it was enabled",
		}),
		transmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "packets_transmitted_total",
			Help:      "Packets accepted into the outbound MQTT queue",
		}),
		offline: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "packets_offline_skipped_total",
			Help:      "Packets dropped because the broker was not connected",
		}),
		shed: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "packets_shed_total",
			Help:      "Packets dropped before encoding because the broker was saturated",
		}),
		queueFull: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "packets_queue_full_total",
			Help:      "Publish attempts refused because the outbound queue was full",
		}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "packets_publish_failures_total",
			Help:      "Publish attempts rejected for reasons other than a full queue",
		}),
		recentQueueFull: f.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "recent_queue_full",
			Help:      "Decaying count of recent queue-full outcomes used for load shedding",
		}),
		brokerConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "broker_connected",
			Help:      "1 when the MQTT broker connection is up, 0 otherwise",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RegisterQueueDepth exposes the current outbound queue length, read
// on every scrape.
func (c *Collector) RegisterQueueDepth(depth func() int) {
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "outbound_queue_depth",
		Help:      "Messages waiting in the outbound MQTT queue",
	}, func() float64 { return float64(depth()) })
}

// SetBrokerConnected records broker liveness.
func (c *Collector) SetBrokerConnected(up bool) {
	if up {
		c.brokerConnected.Set(1)
		return
	}
	c.brokerConnected.Set(0)
}

// PacketReceived implements relay.Observer.
func (c *Collector) PacketReceived() {
	c.received.Inc()
}

// PacketSkipped implements relay.Observer.
func (c *Collector) PacketSkipped(reason relay.SkipReason) {
	switch reason {
	case relay.SkipOffline:
		c.offline.Inc()
	case relay.SkipShed:
		c.shed.Inc()
	}
}

// PacketEnqueued implements relay.Observer.
func (c *Collector) PacketEnqueued(outcome mqtt.Outcome, snap saturation.Snapshot) {
	switch outcome.Status {
	case mqtt.Accepted:
		c.transmitted.Inc()
	case mqtt.QueueFull:
		c.queueFull.Inc()
	case mqtt.Rejected:
		c.publishFailures.Inc()
	}
	c.recentQueueFull.Set(float64(snap.RecentQueueFull))
}
