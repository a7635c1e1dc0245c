package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/aprs-mqtt-relay/internal/packet"
)

// maxLineBytes bounds a single JSON-lines packet.
const maxLineBytes = 1 << 20

// lineStats counts what the packet source saw.
type lineStats struct {
	Lines     uint64
	Packets   uint64
	Malformed uint64
}

// readPackets decodes one packet per line from r and passes each to
// handle until r is exhausted or ctx is cancelled. Blank lines are
// ignored and malformed lines are logged and skipped. Reading happens
// on its own goroutine so a blocked reader never delays shutdown.
func readPackets(ctx context.Context, r io.Reader, handle func(packet.Packet), logger *slog.Logger) (lineStats, error) {
	type line struct {
		n    uint64
		data []byte
	}
	lines := make(chan line)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		var n uint64
		for scanner.Scan() {
			n++
			select {
			case lines <- line{n: n, data: bytes.Clone(scanner.Bytes())}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("read packets: %w", err)
		}
	}()

	var st lineStats
	for {
		select {
		case <-ctx.Done():
			return st, nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return st, err
				default:
					return st, nil
				}
			}
			st.Lines++
			if len(bytes.TrimSpace(l.data)) == 0 {
				continue
			}
			pkt, err := packet.Decode(l.data)
			if err != nil {
				st.Malformed++
				logger.Warn("skipping malformed packet line", "line", l.n, "error", err)
				continue
			}
			st.Packets++
			handle(pkt)
		}
	}
}
