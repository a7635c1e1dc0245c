// Package metrics exposes relay activity to operators: a log-backed
// event sink, Prometheus counters fed by the relay's decisions, and a
// small HTTP server for /metrics and /healthz.
package metrics
