// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, the job_runs history table and Pub/Sub completion notices.
// Each sink satisfies progress.Sink.
package sinks
