// Package api hosts the admin and cron HTTP surface. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - /v1/... for job submission, listing, cancellation and statistics,
//     guarded by the admin API key when one is configured.
//   - POST /cron/... for scheduled triggers, guarded by a shared bearer
//     secret. A server without the secret answers 500 on every cron route.
package api
