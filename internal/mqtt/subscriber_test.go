package mqtt

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestEchoCounter_LogsFirstAndEveryNth(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	e := newEchoCounter(logger)
	for range echoLogEvery {
		e.observe("aprsd/packets", 10)
	}

	if got := e.total.Load(); got != echoLogEvery {
		t.Errorf("total = %d, want %d", got, echoLogEvery)
	}
	if got := e.bytes.Load(); got != 10*echoLogEvery {
		t.Errorf("bytes = %d, want %d", got, 10*echoLogEvery)
	}
	if got := strings.Count(buf.String(), "mqtt messages received"); got != 2 {
		t.Errorf("log lines = %d, want 2 (first and %dth)\n%s", got, echoLogEvery, buf.String())
	}
}

func TestEchoCounter_QuietAboveDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	e := newEchoCounter(logger)
	e.observe("aprsd/packets", 5)

	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got: %s", buf.String())
	}
	if e.total.Load() != 1 {
		t.Errorf("message should still be counted")
	}
}

func TestEchoCounter_Concurrent(t *testing.T) {
	e := newEchoCounter(slog.New(slog.DiscardHandler))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				e.observe("t", 1)
			}
		}()
	}
	wg.Wait()

	if got := e.total.Load(); got != 1000 {
		t.Errorf("total = %d, want 1000", got)
	}
}
