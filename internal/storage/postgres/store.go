// Package postgres provides the Postgres-backed persistent store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/hash/sha256"
	"github.com/JakeFAU/event-crawler/internal/storage"
)

// Config controls the Postgres connection pool and write retries.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	BusyRetries     int
	BusyBackoff     time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.Store on Postgres. Counters are updated with
// single-statement upserts so concurrent writers never lose increments.
type Store struct {
	pool   pgxPool
	busy   storage.BusyPolicy
	clock  crawler.Clock
	logger *zap.Logger
}

// New connects to Postgres and applies the schema.
func New(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg, clock, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	busy := storage.DefaultBusyPolicy(isBusy)
	if cfg.BusyRetries > 0 {
		busy.Attempts = cfg.BusyRetries
	}
	if cfg.BusyBackoff > 0 {
		busy.Backoff = cfg.BusyBackoff
	}
	return &Store{pool: pool, busy: busy, clock: clock, logger: logger}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// isBusy matches serialization failures, deadlocks and lock timeouts.
func isBusy(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	default:
		return false
	}
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	err := s.busy.Do(ctx, op, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		s.logger.Warn("store write failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

// GetCachedResult returns the last successful result if it is younger than maxAge.
func (s *Store) GetCachedResult(ctx context.Context, url string, maxAge time.Duration) (*crawler.ScrapingResult, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	var (
		storedURL   string
		data        []byte
		statusCode  int
		responseMs  int64
		lastScraped *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT url, data, status_code, response_time_ms, last_scraped
		FROM scraping_results
		WHERE url_hash = $1 AND success`, sha256.URLKey(url)).
		Scan(&storedURL, &data, &statusCode, &responseMs, &lastScraped)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cached result: %w", err)
	}
	if lastScraped == nil || s.clock.Now().Sub(*lastScraped) > maxAge {
		return nil, nil
	}
	result := &crawler.ScrapingResult{
		URL:              storedURL,
		Success:          true,
		ExtractionMethod: crawler.MethodCache,
		Timestamp:        lastScraped.UTC(),
		ResponseTimeMs:   responseMs,
		StatusCode:       statusCode,
		IsFromCache:      true,
	}
	if len(data) > 0 {
		var event crawler.EventData
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("decode cached data: %w", err)
		}
		result.Data = &event
	}
	return result, nil
}

// StoreResult upserts by URL hash. Failures update only the failure columns.
func (s *Store) StoreResult(ctx context.Context, result crawler.ScrapingResult) error {
	key := sha256.URLKey(result.URL)
	if result.Success {
		payload, err := json.Marshal(result.Data)
		if err != nil {
			return fmt.Errorf("encode result data: %w", err)
		}
		return s.exec(ctx, "store result", `
			INSERT INTO scraping_results (
				url_hash, url, success, data, extraction_method, status_code, response_time_ms, last_scraped, last_attempt
			) VALUES ($1, $2, TRUE, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (url_hash) DO UPDATE SET
				success = TRUE,
				data = EXCLUDED.data,
				extraction_method = EXCLUDED.extraction_method,
				status_code = EXCLUDED.status_code,
				response_time_ms = EXCLUDED.response_time_ms,
				last_scraped = EXCLUDED.last_scraped,
				last_attempt = EXCLUDED.last_attempt,
				last_error_kind = NULL,
				last_error_message = NULL`,
			key, result.URL, payload, string(result.ExtractionMethod), result.StatusCode,
			result.ResponseTimeMs, result.Timestamp)
	}
	return s.exec(ctx, "store failure", `
		INSERT INTO scraping_results (
			url_hash, url, success, status_code, response_time_ms, last_attempt, last_error_kind, last_error_message, failure_count
		) VALUES ($1, $2, FALSE, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (url_hash) DO UPDATE SET
			last_attempt = EXCLUDED.last_attempt,
			last_error_kind = EXCLUDED.last_error_kind,
			last_error_message = EXCLUDED.last_error_message,
			failure_count = scraping_results.failure_count + 1`,
		key, result.URL, result.StatusCode, result.ResponseTimeMs, result.Timestamp,
		string(result.ErrorKind), result.ErrorMessage)
}

// UpdateSelectorPatternStats increments one counter in a single upsert.
func (s *Store) UpdateSelectorPatternStats(ctx context.Context, domain, elementType, selector string, success bool) error {
	var successDelta, failureDelta int64 = 0, 1
	if success {
		successDelta, failureDelta = 1, 0
	}
	return s.exec(ctx, "update selector stats", `
		INSERT INTO selector_patterns (pattern_id, domain, element_type, selector, success_count, failure_count, last_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pattern_id) DO UPDATE SET
			success_count = selector_patterns.success_count + EXCLUDED.success_count,
			failure_count = selector_patterns.failure_count + EXCLUDED.failure_count,
			last_used = EXCLUDED.last_used`,
		sha256.PatternKey(domain, elementType, selector), domain, elementType, selector,
		successDelta, failureDelta, s.clock.Now())
}

// GetLearnedSelectors returns the best patterns with at least one success.
func (s *Store) GetLearnedSelectors(ctx context.Context, domain, elementType string, limit int) ([]crawler.SelectorPattern, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT domain, element_type, selector, success_count, failure_count, last_used
		FROM selector_patterns
		WHERE domain = $1 AND ($2 = '' OR element_type = $2) AND success_count > 0
		ORDER BY success_count::float8 / (success_count + failure_count + 1) DESC,
			success_count DESC,
			last_used DESC
		LIMIT $3`, domain, elementType, lim)
	if err != nil {
		return nil, fmt.Errorf("query learned selectors: %w", err)
	}
	defer rows.Close()

	var patterns []crawler.SelectorPattern
	for rows.Next() {
		var p crawler.SelectorPattern
		if err := rows.Scan(&p.Domain, &p.ElementType, &p.Selector, &p.SuccessCount, &p.FailureCount, &p.LastUsed); err != nil {
			return nil, fmt.Errorf("scan selector pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate selector patterns: %w", err)
	}
	return patterns, nil
}

// UpdateProxyHealth records one outcome; five consecutive failures deactivate
// the proxy and any success reactivates it.
func (s *Store) UpdateProxyHealth(ctx context.Context, proxyURL string, success bool, responseTime time.Duration) error {
	now := s.clock.Now()
	var successDelta, failureDelta int64 = 0, 1
	lastFailed := &now
	if success {
		successDelta, failureDelta = 1, 0
		lastFailed = nil
	}
	return s.exec(ctx, "update proxy health", `
		INSERT INTO proxy_health (
			proxy_url, success_count, failure_count, consecutive_failures, total_response_time_ms,
			request_count, is_active, last_used, last_failed
		) VALUES ($1, $2, $3, $3, $4, 1, TRUE, $5, $6)
		ON CONFLICT (proxy_url) DO UPDATE SET
			success_count = proxy_health.success_count + EXCLUDED.success_count,
			failure_count = proxy_health.failure_count + EXCLUDED.failure_count,
			consecutive_failures = CASE WHEN EXCLUDED.success_count > 0 THEN 0
				ELSE proxy_health.consecutive_failures + 1 END,
			total_response_time_ms = proxy_health.total_response_time_ms + EXCLUDED.total_response_time_ms,
			request_count = proxy_health.request_count + 1,
			is_active = CASE WHEN EXCLUDED.success_count > 0 THEN TRUE
				WHEN proxy_health.consecutive_failures + 1 >= $7 THEN FALSE
				ELSE proxy_health.is_active END,
			last_used = EXCLUDED.last_used,
			last_failed = COALESCE(EXCLUDED.last_failed, proxy_health.last_failed)`,
		proxyURL, successDelta, failureDelta, responseTime.Milliseconds(), now, lastFailed,
		crawler.MaxConsecutiveProxyFailures)
}

const proxyColumns = `proxy_url, success_count, failure_count, consecutive_failures,
	total_response_time_ms, request_count, is_active, last_used, last_failed`

// GetActiveProxies returns active proxies ranked by success ratio, least
// recently used first on ties.
func (s *Store) GetActiveProxies(ctx context.Context, limit int) ([]crawler.ProxyHealth, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return s.queryProxies(ctx, `
		SELECT `+proxyColumns+`
		FROM proxy_health
		WHERE is_active
		ORDER BY success_count::float8 / (success_count + failure_count + 1) DESC,
			last_used ASC NULLS FIRST
		LIMIT $1`, lim)
}

// ListProxies returns every proxy row.
func (s *Store) ListProxies(ctx context.Context) ([]crawler.ProxyHealth, error) {
	return s.queryProxies(ctx, `
		SELECT `+proxyColumns+`
		FROM proxy_health
		ORDER BY is_active DESC, proxy_url ASC`)
}

func (s *Store) queryProxies(ctx context.Context, query string, args ...any) ([]crawler.ProxyHealth, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	var proxies []crawler.ProxyHealth
	for rows.Next() {
		var (
			p          crawler.ProxyHealth
			lastUsed   *time.Time
			lastFailed *time.Time
		)
		if err := rows.Scan(&p.ProxyURL, &p.SuccessCount, &p.FailureCount, &p.ConsecutiveFailures,
			&p.TotalResponseTimeMs, &p.RequestCount, &p.IsActive, &lastUsed, &lastFailed); err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		if lastUsed != nil {
			p.LastUsed = lastUsed.UTC()
		}
		if lastFailed != nil {
			p.LastFailed = lastFailed.UTC()
		}
		proxies = append(proxies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxies: %w", err)
	}
	return proxies, nil
}

// RegisterProxies inserts unknown proxies as active with no history.
func (s *Store) RegisterProxies(ctx context.Context, proxyURLs []string) error {
	if len(proxyURLs) == 0 {
		return nil
	}
	return s.exec(ctx, "register proxies", `
		INSERT INTO proxy_health (proxy_url, is_active)
		SELECT unnest($1::text[]), TRUE
		ON CONFLICT (proxy_url) DO NOTHING`, proxyURLs)
}

// StoreMetrics inserts one snapshot row.
func (s *Store) StoreMetrics(ctx context.Context, snapshot crawler.MetricsSnapshot) error {
	byMethod, err := json.Marshal(snapshot.ByMethod)
	if err != nil {
		return fmt.Errorf("encode method counts: %w", err)
	}
	return s.exec(ctx, "store metrics", `
		INSERT INTO metrics_snapshots (
			id, taken_at, started_at, processed, successful, failed, cache_hits, retries, total_response_time_ms, by_method
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		snapshot.ID, snapshot.TakenAt, snapshot.StartedAt, snapshot.Processed, snapshot.Successful,
		snapshot.Failed, snapshot.CacheHits, snapshot.Retries, snapshot.TotalResponseTimeMs, byMethod)
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
