// Package main hosts the event crawler entrypoint.
//
// Architecture overview:
//   - Pipeline: internal/orchestrator drives each URL through politeness, a pooled browser (or HTTP) session,
//     challenge detection, and the extraction cascade (JSON-LD, microdata, learned selectors, fallback) under a
//     categorized retry policy and a per-URL budget. A weighted semaphore bounds in-flight URLs.
//   - Identity: internal/fingerprint rotates user agents, headers, viewports and proxies; proxy health and selector
//     statistics persist in SQLite or Postgres through internal/storage.
//   - Commands: `crawl` runs a batch from arguments or a URL file and writes JSON lines or YAML; `serve` exposes the
//     chi API and feeds queued URLs to the stream scheduler; `stats` prints proxy health and learned selectors.
//   - Configuration & plumbing: Viper populates config from a file and CRAWLER_ env vars; zap provides structured
//     logging; Prometheus metrics are exported on /metrics; successful results are optionally published to Pub/Sub.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM stops new URLs, waits for in-flight work up to crawler.shutdown_timeout_ms, persists
//     a metrics snapshot, and closes every browser.
//   - Run locally: go run ./cmd/eventcrawler crawl --config config.yaml https://example.com/events/1
package main
