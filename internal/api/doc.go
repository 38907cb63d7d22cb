// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks, GET /metrics for Prometheus.
//   - PUT /v1/tasks submits a crawl specification.
//   - PUT /v1/integrity/{stream} starts an integrity scan.
//   - PUT /v1/recovery/{source}/{target} starts a recovery.
//   - GET /v1/jobs lists registry jobs; /v1/history reads persisted runs.
package api
