// Package api hosts the HTTP server, middleware, and REST handlers for job
// submission and observation. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit, GET /v1/jobs and /v1/jobs/{job_id} to inspect.
//   - POST /v1/jobs/{job_id}/retry and /cancel to steer a job.
//   - GET /v1/events for a Server-Sent Events stream of lifecycle events.
package api
