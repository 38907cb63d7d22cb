// Package progress carries job lifecycle events from the work manager to
// pluggable sinks. Emitters never block: events are buffered, batched on a
// background goroutine and fanned out to sinks such as Prometheus collectors,
// structured logs, a job history store or a notification topic.
package progress
