// Package packet defines the APRS packet as the relay sees it: an
// immutable mapping of raw fields with a sender callsign, plus the
// [Reply] value returned to the upstream dispatcher and the encoders
// that turn a packet into an MQTT payload.
//
// The relay is a sink. Every call path ends in [NoReply]; a real
// [Reply] exists only so the calling convention of a request/response
// packet host can be satisfied.
package packet
