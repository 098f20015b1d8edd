// Package api hosts the HTTP server, middleware, and REST handlers consumed by
// the web client. Notable routes:
//   - GET /api/districts and /api/districts/{slug} for reads.
//   - GET /api/lookup?lat=..&lon=.. for point-in-bbox resolution.
//   - POST /api/sync to run a sync and return its summary.
//   - GET /healthz, /readyz, /_health for probes and GET /metrics for Prometheus.
package api
