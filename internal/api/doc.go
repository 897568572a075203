// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /v1/resolutions queues a resolution; GET /v1/resolutions/{id}
//     reports its status, result or error and fallback link.
//   - GET /v1/fallback?url= returns the manual-search link for a URL.
//   - GET /v1/depots lists the configured depots in query order.
//   - GET /healthz, /readyz for Kubernetes liveness and readiness checks and /metrics for Prometheus.
package api
