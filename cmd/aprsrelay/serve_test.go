package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nugget/aprs-mqtt-relay/internal/config"
	"github.com/nugget/aprs-mqtt-relay/internal/connwatch"
	"github.com/nugget/aprs-mqtt-relay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

const servePackets = `{"from_call":"N0CALL","message_text":"one"}
garbage
{"from_call":"K1ABC","message_text":"two"}
`

func TestRunServe_DisabledByConfig(t *testing.T) {
	cfgPath := writeConfig(t, "mqtt:\n  enabled: false\ndata_dir: "+t.TempDir()+"\n")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(servePackets), &stdout, &stderr,
		[]string{"-config", cfgPath, "serve"})
	require.NoError(t, err)

	logs := stderr.String()
	assert.Contains(t, logs, "mqtt relay disabled (not configured)")
	assert.Contains(t, logs, "skipping malformed packet line")
	assert.Contains(t, logs, "packets=2")
	assert.Contains(t, logs, "malformed=1")
	assert.Contains(t, logs, "aprsrelay stopped")
	assert.Empty(t, stdout.String(), "the relay never replies")
}

func TestRunServe_BrokerUnavailable(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, strings.Join([]string{
		"mqtt:",
		"  host: 127.0.0.1",
		"  port: " + strconv.Itoa(closedPort(t)),
		"  connect_timeout_sec: 1",
		"data_dir: " + dataDir,
		"log_format: json",
		"",
	}, "\n"))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(servePackets), &stdout, &stderr,
		[]string{"-config", cfgPath, "serve"})
	require.NoError(t, err, "a broker that is down must not stop the relay process")

	logs := stderr.String()
	assert.Contains(t, logs, "mqtt relay disabled, broker unavailable at startup")
	assert.Contains(t, logs, `"packets":2`)

	_, err = os.Stat(filepath.Join(dataDir, "instance_id"))
	assert.NoError(t, err, "instance ID persisted before connecting")
}

func TestRunServe_MetricsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfgPath := writeConfig(t, "mqtt:\n  enabled: false\nmetrics:\n  listen: "+ln.Addr().String()+"\n")

	var stdout, stderr bytes.Buffer
	err = run(context.Background(), strings.NewReader(""), &stdout, &stderr,
		[]string{"-config", cfgPath, "serve"})
	assert.ErrorContains(t, err, "metrics listen")
}

func TestHealthFunc(t *testing.T) {
	off := false
	disabledCfg := config.Default()
	disabledCfg.MQTT.Enabled = &off

	t.Run("disabled by config is healthy", func(t *testing.T) {
		rel := relay.New(disabledCfg, nil, nil, nil, quietLogger())
		healthy, body := healthFunc(disabledCfg, rel, nil)()
		assert.True(t, healthy)
		hb := body.(healthBody)
		assert.Equal(t, "ok", hb.Status)
		assert.True(t, hb.Relay.Disabled)
		assert.Nil(t, hb.Broker)
	})

	t.Run("enabled without watcher is degraded", func(t *testing.T) {
		cfg := config.Default()
		rel := relay.New(cfg, nil, nil, nil, quietLogger())
		healthy, body := healthFunc(cfg, rel, nil)()
		assert.False(t, healthy)
		assert.Equal(t, "degraded", body.(healthBody).Status)
	})

	t.Run("follows broker watcher", func(t *testing.T) {
		cfg := config.Default()
		rel := relay.New(cfg, nil, nil, nil, quietLogger())
		w := connwatch.Watch(context.Background(), connwatch.Config{
			Name:   "mqtt",
			Probe:  func(context.Context) error { return nil },
			Logger: quietLogger(),
		})
		defer w.Stop()

		require.Eventually(t, w.IsReady, testWait, testTick)
		healthy, body := healthFunc(cfg, rel, w)()
		assert.True(t, healthy)
		hb := body.(healthBody)
		require.NotNil(t, hb.Broker)
		assert.Equal(t, "mqtt", hb.Broker.Name)
	})
}

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)
