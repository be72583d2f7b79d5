// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/targets/{target_id}/status for archival status summaries.
//   - POST /v1/targets/{target_id}/crawl for manual crawl triggers.
//   - /v1/schedules for schedule management.
package api
