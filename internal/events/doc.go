// Package events carries job lifecycle notifications from the scheduler to
// interested sinks.
//
// Producers call Hub.Emit, which never blocks. The hub batches events by size
// or time and hands each batch to every registered Sink (logs, Prometheus,
// Pub/Sub, the SSE broadcaster).
package events
