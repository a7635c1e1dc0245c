package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/aprs-mqtt-relay/internal/buildinfo"
	"github.com/nugget/aprs-mqtt-relay/internal/config"
	"github.com/nugget/aprs-mqtt-relay/internal/connwatch"
	"github.com/nugget/aprs-mqtt-relay/internal/metrics"
	"github.com/nugget/aprs-mqtt-relay/internal/mqtt"
	"github.com/nugget/aprs-mqtt-relay/internal/packet"
	"github.com/nugget/aprs-mqtt-relay/internal/relay"
)

// shutdownTimeout bounds the orderly shutdown after stdin closes or a
// signal arrives.
const shutdownTimeout = 10 * time.Second

// runServe relays packets from stdin to MQTT until stdin is exhausted
// or the process is signalled. A broker that is down at startup
// disables publishing but never stops the packet flow.
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stderr, slog.LevelInfo, "text")
	logger.Info("starting aprsrelay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		// Already validated by config.Load.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stderr, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"mqtt_enabled", cfg.MQTT.IsEnabled(),
		"broker", cfg.MQTT.BrokerURL(),
		"topic", cfg.MQTT.Topic,
		"payload_format", cfg.MQTT.PayloadFormat,
		"shed_threshold", cfg.Relay.ShedThreshold,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	enc, err := packet.NewEncoder(cfg.MQTT.PayloadFormat)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	sink := metrics.NewLogSink(logger)

	var conn *mqtt.ConnectionManager
	var rel *relay.Relay
	if cfg.MQTT.IsEnabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		conn = mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT.ClientIDPrefix, instanceID), logger)
		collector.RegisterQueueDepth(conn.QueueDepth)
		rel = relay.New(cfg, conn, enc, sink, logger)
	} else {
		logger.Info("mqtt relay disabled (not configured)")
		rel = relay.New(cfg, nil, enc, sink, logger)
	}
	rel.SetObserver(collector)

	if err := rel.Start(ctx); err != nil && !errors.Is(err, relay.ErrDisabled) {
		return err
	}

	// Watch the broker only while there is something to publish to.
	var watcher *connwatch.Watcher
	if conn != nil && !rel.Disabled() {
		watcher = connwatch.Watch(ctx, connwatch.Config{
			Name: "mqtt",
			Probe: func(ctx context.Context) error {
				return conn.AwaitConnection(ctx)
			},
			OnReady: func() { collector.SetBrokerConnected(true) },
			OnDown:  func(error) { collector.SetBrokerConnected(false) },
			Logger:  logger,
		})
	}

	var srv *metrics.Server
	srvDone := make(chan struct{})
	if cfg.Metrics.Listen != "" {
		srv = metrics.NewServer(cfg.Metrics.Listen, collector.Registry(), healthFunc(cfg, rel, watcher), logger)
		ln, err := srv.Listen()
		if err != nil {
			if watcher != nil {
				watcher.Stop()
			}
			rel.Stop(context.Background())
			return err
		}
		go func() {
			defer close(srvDone)
			if err := srv.Serve(ln); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	} else {
		close(srvDone)
	}

	st, readErr := readPackets(ctx, stdin, func(pkt packet.Packet) {
		if reply := rel.Handle(pkt); !reply.IsNoReply() {
			fmt.Fprintln(stdout, reply.Text())
		}
	}, logger)
	if readErr != nil {
		logger.Error("packet source failed", "error", readErr)
	}

	reason := "end of input"
	if ctx.Err() != nil {
		reason = "signal"
	}
	logger.Info("shutting down", "reason", reason,
		"lines", st.Lines, "packets", st.Packets, "malformed", st.Malformed)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()

	if watcher != nil {
		watcher.Stop()
	}
	rel.Stop(shutdownCtx)
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	<-srvDone

	logger.Info("aprsrelay stopped", "uptime", buildinfo.Uptime().String())
	return readErr
}

// healthBody is the /healthz response.
type healthBody struct {
	Status  string                   `json:"status"`
	Version string                   `json:"version"`
	Uptime  string                   `json:"uptime"`
	Relay   relay.Stats              `json:"relay"`
	Broker  *connwatch.ServiceStatus `json:"broker,omitempty"`
}

// healthFunc reports healthy when publishing is switched off by config
// or the broker is reachable. A relay disabled by a startup failure is
// unhealthy.
func healthFunc(cfg *config.Config, rel *relay.Relay, watcher *connwatch.Watcher) metrics.HealthFunc {
	return func() (bool, any) {
		body := healthBody{
			Status:  "ok",
			Version: buildinfo.Version,
			Uptime:  buildinfo.Uptime().String(),
			Relay:   rel.Stats(),
		}
		healthy := true
		switch {
		case !cfg.MQTT.IsEnabled():
		case watcher == nil:
			healthy = false
		default:
			s := watcher.Status()
			body.Broker = &s
			healthy = s.Ready
		}
		if !healthy {
			body.Status = "degraded"
		}
		return healthy, body
	}
}
