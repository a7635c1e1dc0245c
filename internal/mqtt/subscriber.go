package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// echoLogEvery controls how often inbound messages are logged.
const echoLogEvery = 1000

// echoCounter tracks messages received on the subscribed topic. The
// relay subscribes to the topic it publishes to, so on a healthy
// broker every delivered payload comes back here; the count is a
// cheap end-to-end delivery signal. It uses atomic counters because
// autopaho calls it from its own goroutine.
type echoCounter struct {
	total  atomic.Uint64
	bytes  atomic.Uint64
	logger *slog.Logger
}

func newEchoCounter(logger *slog.Logger) *echoCounter {
	return &echoCounter{logger: logger}
}

// observe records one inbound message. The first message and every
// echoLogEvery-th after it are logged at debug level.
func (e *echoCounter) observe(topic string, size int) {
	n := e.total.Add(1)
	b := e.bytes.Add(uint64(size))

	if n != 1 && n%echoLogEvery != 0 {
		return
	}
	if !e.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	e.logger.Debug("mqtt messages received on relay topic",
		"topic", topic,
		"received", n,
		"bytes", b,
	)
}
