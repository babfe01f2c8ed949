// Package metrics exposes Prometheus collectors for the event crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapesTotal               *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	cacheHitsTotal             prometheus.Counter
	retriesTotal               *prometheus.CounterVec
	challengesTotal            *prometheus.CounterVec
	selectorAttemptsTotal      *prometheus.CounterVec
	poolContextsTotal          *prometheus.CounterVec
	poolIdleContexts           prometheus.Gauge
	activeScrapes              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. Every observer
// calls it, so explicit calls are only needed to expose empty collectors.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_crawler_scrapes_total",
				Help: "Scraped URLs, labeled by site, outcome and extraction method.",
			},
			[]string{"site", "outcome", "method"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_crawler_scrape_duration_seconds",
				Help:    "Wall time of one URL pipeline, labeled by outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 180},
			},
			[]string{"outcome"},
		)

		cacheHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "event_crawler_cache_hits_total",
				Help: "URLs answered from the result cache.",
			},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_crawler_retries_total",
				Help: "Pipeline retries, labeled by failure category.",
			},
			[]string{"category"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_crawler_challenges_total",
				Help: "Detected bot challenges, labeled by type and whether they were cleared.",
			},
			[]string{"type", "solved"},
		)

		selectorAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_crawler_selector_attempts_total",
				Help: "Adaptive selector attempts, labeled by field and outcome.",
			},
			[]string{"field", "outcome"},
		)

		poolContextsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_crawler_pool_contexts_created_total",
				Help: "Browser contexts created, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolIdleContexts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "event_crawler_pool_idle_contexts",
				Help: "Browser contexts waiting in the pool queue.",
			},
		)

		activeScrapes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "event_crawler_active_scrapes",
				Help: "URL pipelines currently in flight.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrape records one finished URL pipeline.
func ObserveScrape(site, outcome, method string, duration time.Duration) {
	Init()
	if method == "" {
		method = "none"
	}
	scrapesTotal.WithLabelValues(SanitizeSite(site), outcome, method).Inc()
	scrapeDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCacheHit counts a result served from the cache.
func ObserveCacheHit() {
	Init()
	cacheHitsTotal.Inc()
}

// ObserveRetry counts a retry in the given failure category.
func ObserveRetry(category string) {
	Init()
	retriesTotal.WithLabelValues(category).Inc()
}

// ObserveChallenge counts a detected challenge and whether it was cleared.
func ObserveChallenge(challengeType string, solved bool) {
	Init()
	challengesTotal.WithLabelValues(challengeType, strconv.FormatBool(solved)).Inc()
}

// ObserveSelectorAttempt counts one adaptive selector attempt.
func ObserveSelectorAttempt(field string, success bool) {
	Init()
	outcome := "miss"
	if success {
		outcome = "hit"
	}
	selectorAttemptsTotal.WithLabelValues(field, outcome).Inc()
}

// ObservePoolContextCreated counts a new browser context.
func ObservePoolContextCreated(reason string) {
	Init()
	poolContextsTotal.WithLabelValues(reason).Inc()
}

// SetPoolIdleContexts reports the current queue depth of the pool.
func SetPoolIdleContexts(n int) {
	Init()
	poolIdleContexts.Set(float64(n))
}

// IncActiveScrapes increments the in-flight pipeline gauge.
func IncActiveScrapes() {
	Init()
	activeScrapes.Inc()
}

// DecActiveScrapes decrements the in-flight pipeline gauge.
func DecActiveScrapes() {
	Init()
	activeScrapes.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
