// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/urls to feed the crawl queue.
//   - GET /v1/stats, /v1/proxies and /v1/selectors/{domain} for inspection.
package api
