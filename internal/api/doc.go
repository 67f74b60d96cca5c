// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/connectors and /v1/connectors/{name} for registry contents.
//   - GET /v1/jobs, GET /v1/jobs/{pid}, POST /v1/jobs/{pid}/stop and
//     DELETE /v1/jobs/{pid} for the worker process table.
package api
