// Package relay implements the per-packet publish pipeline.
//
// [Relay.Handle] is the single entry point for the upstream packet
// dispatcher. For each packet it checks, in order: whether the relay
// is disabled, whether the broker connection is live, and whether the
// broker has been saturated recently. Only when all three pass does it
// encode the packet and hand the payload to the connection's
// non-blocking queue. The outcome feeds the saturation tracker.
//
// Handle always returns [packet.NoReply]. Nothing that goes wrong
// while publishing is reported to the caller; failures are counted and
// logged through the configured [Sink].
package relay
