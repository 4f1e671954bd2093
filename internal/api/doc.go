// Package api hosts the operational HTTP server for the pipeline. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes (ready tracks the
//     coordinator's run state).
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for a JSON snapshot of pipeline counters and the dead
//     letter backlog.
package api
