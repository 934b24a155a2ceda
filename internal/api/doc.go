// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawlers/track and /follow to start crawlers.
//   - POST /v1/crawlers/{name}/pause and /resume, DELETE /v1/crawlers/{name}
//     for lifecycle changes.
//   - GET /v1/info and /v1/crawlers/{name} for summaries.
//
// Failures carry a machine-readable kind alongside the message, so callers
// can branch without parsing error text.
package api
