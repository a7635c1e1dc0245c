package metrics

import (
	"context"
	"log/slog"
)

// LogSink forwards relay events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs through logger, or slog.Default
// when logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "mqtt_relay")}
}

// Emit logs msg at level. It never blocks on anything but the handler.
func (s *LogSink) Emit(level slog.Level, msg string, args ...any) {
	s.logger.Log(context.Background(), level, msg, args...)
}
