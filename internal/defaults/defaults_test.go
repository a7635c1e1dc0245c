package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/aprs-mqtt-relay/internal/config"
)

func TestConfigYAML_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("embedded example config does not load: %v", err)
	}
	if cfg.MQTT.Host != "localhost" {
		t.Errorf("mqtt.host = %q, want localhost", cfg.MQTT.Host)
	}
	if cfg.Relay.EffectiveCap() != 2*cfg.Relay.ShedThreshold {
		t.Errorf("EffectiveCap() = %d, want twice the threshold", cfg.Relay.EffectiveCap())
	}
}

func TestConfigYAML_MatchesExample(t *testing.T) {
	example, err := os.ReadFile("../../examples/config.example.yaml")
	if err != nil {
		t.Skipf("example config not available: %v", err)
	}
	if string(example) != string(ConfigYAML) {
		t.Error("embedded config.example.yaml is stale; run go generate ./internal/defaults")
	}
}
