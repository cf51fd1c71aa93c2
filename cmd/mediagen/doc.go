// Package main hosts the mediagen service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts generation requests on /v1/jobs, serves job state and retries, and
//     streams lifecycle events over SSE on /v1/events.
//   - Admission: internal/lifecycle canonicalizes each request, derives its cache key and either completes the job
//     from the result cache or persists it as PENDING.
//   - Dispatch: internal/dispatcher pulls dispatchable jobs in priority order onto a bounded queue drained by a
//     fixed worker pool. Workers take a stampede lock on the cache key, pick an account through the account
//     registry and submit to the provider adapter.
//   - Polling: internal/poller checks in-flight provider jobs with per-job exponential backoff and hands terminal
//     outcomes back to the lifecycle manager, which fills the cache, writes the asset manifest and releases the
//     account slot.
//   - Infrastructure: jobs live in memory or Postgres; the cache and account slot counters live in memory or Redis;
//     assets land in memory, a local directory, GCS or S3; events fan out to logs, Prometheus, SSE and Pub/Sub.
//
// Commands:
//   - mediagen serve --config config.yaml
//   - mediagen migrate up|down|version [--dsn ...]
//   - mediagen providers [--json]
//
// Every config key can be overridden with a MEDIAGEN_ environment variable (dots become underscores); PORT is
// honoured for Cloud Run.
package main
