package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// ErrEmptyPacket is returned by [Decode] for input that holds no fields.
var ErrEmptyPacket = errors.New("packet has no fields")

// Field names read from the raw mapping.
const (
	FieldFromCall    = "from_call"
	FieldFrom        = "from"
	FieldToCall      = "to_call"
	FieldMessageText = "message_text"
)

// Packet is an immutable APRS event record. The zero value is an empty
// packet with no sender.
type Packet struct {
	fields map[string]any
}

// New builds a Packet from a raw field mapping. The mapping is copied,
// so later changes by the caller are not observed.
func New(fields map[string]any) Packet {
	return Packet{fields: maps.Clone(fields)}
}

// Decode parses one JSON object into a Packet. Numbers are kept as
// [json.Number] so integer fields survive a decode/encode cycle
// without turning into floats.
func Decode(data []byte) (Packet, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Packet{}, fmt.Errorf("decode packet: %w", err)
	}
	if len(fields) == 0 {
		return Packet{}, ErrEmptyPacket
	}
	return Packet{fields: fields}, nil
}

// From returns the sender callsign, or "" if the packet has none.
func (p Packet) From() string {
	if s, ok := p.fields[FieldFromCall].(string); ok && s != "" {
		return s
	}
	s, _ := p.fields[FieldFrom].(string)
	return s
}

// To returns the destination callsign, if present.
func (p Packet) To() string {
	s, _ := p.fields[FieldToCall].(string)
	return s
}

// Body returns the message text, if present.
func (p Packet) Body() string {
	s, _ := p.fields[FieldMessageText].(string)
	return s
}

// Len returns the number of top-level fields.
func (p Packet) Len() int {
	return len(p.fields)
}

// Fields returns a shallow copy of the raw field mapping.
func (p Packet) Fields() map[string]any {
	return maps.Clone(p.fields)
}

// Reply is the value handed back to the upstream dispatcher.
type Reply struct {
	text  string
	empty bool
}

// NoReply is the sentinel meaning "nothing to send back".
var NoReply = Reply{empty: true}

// TextReply returns a Reply carrying a message.
func TextReply(text string) Reply {
	return Reply{text: text}
}

// IsNoReply reports whether r is the [NoReply] sentinel.
func (r Reply) IsNoReply() bool {
	return r.empty
}

// Text returns the reply message; it is "" for [NoReply].
func (r Reply) Text() string {
	return r.text
}
