// Package api hosts the HTTP server, middleware, and REST handlers for the
// fetch service. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch runs one URL through the strategy chain.
//   - POST /v1/batch runs many URLs through the dispatcher.
package api
