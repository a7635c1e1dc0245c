package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "aprsrelay ") {
		t.Errorf("version output = %q, want aprsrelay prefix", out)
	}
	for _, k := range []string{"version:", "go_version:", "arch:"} {
		if !strings.Contains(out, k) {
			t.Errorf("version output missing %q", k)
		}
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run -o json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version JSON did not parse: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" {
		t.Error("version JSON missing version")
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: aprsrelay") {
			t.Errorf("run %v output missing usage line", args)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"bogus"}, "unknown command: bogus"},
		{"unknown flag", []string{"-x"}, "unknown flag: -x"},
		{"bad output format", []string{"-o=xml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "serve"}, "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, tt.args)
			if err == nil {
				t.Fatalf("run %v should fail", tt.args)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}
