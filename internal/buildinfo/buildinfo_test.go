package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()

	for _, key := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[key]; !ok {
			t.Errorf("Info() missing %q", key)
		}
	}
	if info["version"] != Version {
		t.Errorf("version = %q, want %q", info["version"], Version)
	}
	if info["go_version"] != runtime.Version() {
		t.Errorf("go_version = %q, want %q", info["go_version"], runtime.Version())
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "aprsrelay "+Version) {
		t.Errorf("String() = %q, want aprsrelay %s prefix", s, Version)
	}
}
