package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/aprs-mqtt-relay/internal/defaults"
)

// runInit writes the bundled example config into dir. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing aprsrelay in %s\n", dir)

	for _, sub := range []string{"", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may carry broker credentials.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your MQTT broker, then run:")
	fmt.Fprintln(w, "  <packet source> | aprsrelay serve")
	return nil
}

// writeIfMissing writes content to path with the given mode only if the
// file does not already exist, and reports what it did on w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  · %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
