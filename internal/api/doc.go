// Package api hosts the operator HTTP server that runs alongside a harvest.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for store counts, the cursor and the last run summary.
//   - GET /v1/wallpapers/{id} for a stored record with its tags.
package api
