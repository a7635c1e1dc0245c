// Package config handles aprsrelay configuration loading.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left unset in the YAML file.
const (
	DefaultPort              = 1883
	DefaultTopic             = "aprsd/packets"
	DefaultClientIDPrefix    = "aprsrelay"
	DefaultKeepAliveSec      = 60
	DefaultConnectTimeoutSec = 10
	DefaultMaxQueuedMessages = 1000
	DefaultPayloadFormat     = "json"
	DefaultShedThreshold     = 500
	DefaultStatsEvery        = 200
	DefaultWarnEvery         = 100
	DefaultDataDir           = "./data"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aprsrelay/config.yaml, /etc/aprsrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aprsrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/aprsrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all aprsrelay configuration. It is built once at
// startup and treated as read-only afterwards; components receive it
// (or one of its sections) explicitly at construction.
type Config struct {
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Relay     RelayConfig   `yaml:"relay"`
	Metrics   MetricsConfig `yaml:"metrics"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	// Enabled turns publishing on. When omitted it defaults to true if
	// a host is configured.
	Enabled *bool `yaml:"enabled"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TLS selects the mqtts:// scheme.
	TLS bool `yaml:"tls"`

	// ClientIDPrefix is joined with the persistent instance ID to form
	// a client identifier unique to this relay.
	ClientIDPrefix string `yaml:"client_id_prefix"`

	KeepAliveSec      int `yaml:"keepalive_sec"`
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`

	// MaxQueuedMessages bounds the outbound queue. Enqueue attempts
	// beyond it are reported as queue-full.
	MaxQueuedMessages int `yaml:"max_queued_messages"`

	// PayloadFormat is "json" or "yaml".
	PayloadFormat string `yaml:"payload_format"`
}

// Configured reports whether a broker host has been set.
func (c MQTTConfig) Configured() bool {
	return strings.TrimSpace(c.Host) != ""
}

// IsEnabled reports whether publishing should be attempted at all.
func (c MQTTConfig) IsEnabled() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return c.Configured()
}

// BrokerURL returns the broker address in URL form, e.g.
// mqtt://localhost:1883 or mqtts://broker:8883.
func (c MQTTConfig) BrokerURL() string {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// RelayConfig tunes load shedding and diagnostic cadence.
type RelayConfig struct {
	// ShedThreshold is the recent queue-full count above which
	// packets are dropped before encoding.
	ShedThreshold int `yaml:"shed_threshold"`

	// RecentQueueFullCap bounds the recent queue-full counter. Zero
	// selects twice the shed threshold; a negative value leaves the
	// counter uncapped.
	RecentQueueFullCap int `yaml:"recent_queue_full_cap"`

	// StatsEvery is the packet interval between saturation summaries.
	StatsEvery int `yaml:"stats_every"`

	// WarnEvery is the interval between repeated queue-full and
	// publish-failure warnings.
	WarnEvery int `yaml:"warn_every"`
}

// EffectiveCap resolves RecentQueueFullCap. A return value of zero
// means uncapped. The default cap follows the threshold the tracker
// will actually use, so an unset ShedThreshold still yields a cap.
func (c RelayConfig) EffectiveCap() int {
	switch {
	case c.RecentQueueFullCap < 0:
		return 0
	case c.RecentQueueFullCap == 0:
		threshold := c.ShedThreshold
		if threshold <= 0 {
			threshold = DefaultShedThreshold
		}
		return 2 * threshold
	default:
		return c.RecentQueueFullCap
	}
}

// MetricsConfig defines the optional HTTP endpoint serving Prometheus
// metrics and broker health.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9108"; empty disables the endpoint
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment and filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration pointing at a local broker.
func Default() *Config {
	cfg := &Config{
		MQTT: MQTTConfig{Host: "localhost"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = DefaultPort
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultTopic
	}
	if c.MQTT.ClientIDPrefix == "" {
		c.MQTT.ClientIDPrefix = DefaultClientIDPrefix
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = DefaultKeepAliveSec
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = DefaultConnectTimeoutSec
	}
	if c.MQTT.MaxQueuedMessages == 0 {
		c.MQTT.MaxQueuedMessages = DefaultMaxQueuedMessages
	}
	if c.MQTT.PayloadFormat == "" {
		c.MQTT.PayloadFormat = DefaultPayloadFormat
	}
	if c.Relay.ShedThreshold == 0 {
		c.Relay.ShedThreshold = DefaultShedThreshold
	}
	if c.Relay.StatsEvery == 0 {
		c.Relay.StatsEvery = DefaultStatsEvery
	}
	if c.Relay.WarnEvery == 0 {
		c.Relay.WarnEvery = DefaultWarnEvery
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
}

// expandHome replaces a leading "~/" with the user's home directory.
// Other paths are returned unchanged.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks field ranges. It returns the first problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}

	m := c.MQTT
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", m.Port)
	}
	if strings.ContainsAny(m.Topic, "+#") {
		return fmt.Errorf("mqtt.topic %q must not contain wildcards", m.Topic)
	}
	if m.KeepAliveSec < 0 || m.KeepAliveSec > 65535 {
		return fmt.Errorf("mqtt.keepalive_sec %d out of range", m.KeepAliveSec)
	}
	if m.ConnectTimeoutSec < 0 {
		return fmt.Errorf("mqtt.connect_timeout_sec must not be negative")
	}
	if m.MaxQueuedMessages < 1 {
		return fmt.Errorf("mqtt.max_queued_messages must be positive, got %d", m.MaxQueuedMessages)
	}
	switch m.PayloadFormat {
	case "json", "yaml":
	default:
		return fmt.Errorf("mqtt.payload_format %q invalid (valid: json, yaml)", m.PayloadFormat)
	}

	r := c.Relay
	if r.ShedThreshold < 1 {
		return fmt.Errorf("relay.shed_threshold must be positive, got %d", r.ShedThreshold)
	}
	if r.RecentQueueFullCap > 0 && r.RecentQueueFullCap <= r.ShedThreshold {
		return fmt.Errorf("relay.recent_queue_full_cap %d must exceed shed_threshold %d",
			r.RecentQueueFullCap, r.ShedThreshold)
	}
	if r.StatsEvery < 1 {
		return fmt.Errorf("relay.stats_every must be positive, got %d", r.StatsEvery)
	}
	if r.WarnEvery < 1 {
		return fmt.Errorf("relay.warn_every must be positive, got %d", r.WarnEvery)
	}
	return nil
}
