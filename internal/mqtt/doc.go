// Package mqtt owns the relay's single outbound broker connection.
//
// [ConnectionManager] wraps Eclipse Paho v2's [autopaho] package, which
// handles reconnection in the background. On every (re-)connect the
// manager marks itself live and re-subscribes to the configured topic.
// Disconnect notifications from the server or the client mark it down
// again until autopaho re-establishes the session.
//
// Publishing is decoupled from the network. [ConnectionManager.Enqueue]
// places a payload on a bounded in-memory queue and returns at once
// with an [Outcome]; a drain goroutine moves queued payloads to the
// broker at QoS 0. When the queue holds max_queued_messages payloads,
// Enqueue reports [QueueFull] rather than blocking the caller.
package mqtt
