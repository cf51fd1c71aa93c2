// Package sinks provides events.Sink implementations: structured logs,
// Prometheus counters, Google Cloud Pub/Sub fan-out and an in-process
// broadcaster that feeds server-sent event streams.
package sinks
