// Package sqlite implements the persistent store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/hash/sha256"
	"github.com/JakeFAU/event-crawler/internal/storage"
)

// Config controls the database file and write retries.
type Config struct {
	Path        string
	BusyRetries int
	BusyBackoff time.Duration
}

// Store implements crawler.Store on SQLite. Writes are serialized in
// process and retried on SQLITE_BUSY/SQLITE_LOCKED from other processes.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	busy    storage.BusyPolicy
	clock   crawler.Clock
	logger  *zap.Logger
}

// Open opens (creating if needed) the database file and applies the schema.
func Open(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage.db_path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=1000", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	busy := storage.DefaultBusyPolicy(isBusy)
	if cfg.BusyRetries > 0 {
		busy.Attempts = cfg.BusyRetries
	}
	if cfg.BusyBackoff > 0 {
		busy.Backoff = cfg.BusyBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, busy: busy, clock: clock, logger: logger}, nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *Store) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.busy.Do(ctx, op, fn)
	if err != nil {
		s.logger.Warn("store write failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (s *Store) exec(query string, args ...any) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	}
}

// GetCachedResult returns the last successful result if it is younger than maxAge.
func (s *Store) GetCachedResult(ctx context.Context, url string, maxAge time.Duration) (*crawler.ScrapingResult, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	var (
		storedURL   string
		data        sql.NullString
		method      sql.NullString
		statusCode  int
		responseMs  int64
		lastScraped sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT url, data, extraction_method, status_code, response_time_ms, last_scraped
		FROM scraping_results
		WHERE url_hash = ? AND success = 1`, sha256.URLKey(url)).
		Scan(&storedURL, &data, &method, &statusCode, &responseMs, &lastScraped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cached result: %w", err)
	}
	scraped := fromMillis(lastScraped)
	if scraped.IsZero() || s.clock.Now().Sub(scraped) > maxAge {
		return nil, nil
	}
	result := &crawler.ScrapingResult{
		URL:              storedURL,
		Success:          true,
		ExtractionMethod: crawler.MethodCache,
		Timestamp:        scraped,
		ResponseTimeMs:   responseMs,
		StatusCode:       statusCode,
		IsFromCache:      true,
	}
	if data.Valid && data.String != "" {
		var event crawler.EventData
		if err := json.Unmarshal([]byte(data.String), &event); err != nil {
			return nil, fmt.Errorf("decode cached data: %w", err)
		}
		result.Data = &event
	}
	return result, nil
}

// StoreResult upserts by URL hash. Failures update only the failure columns.
func (s *Store) StoreResult(ctx context.Context, result crawler.ScrapingResult) error {
	key := sha256.URLKey(result.URL)
	ts := result.Timestamp.UnixMilli()
	if result.Success {
		payload, err := json.Marshal(result.Data)
		if err != nil {
			return fmt.Errorf("encode result data: %w", err)
		}
		return s.write(ctx, "store result", s.exec(`
			INSERT INTO scraping_results (
				url_hash, url, success, data, extraction_method, status_code, response_time_ms, last_scraped, last_attempt
			) VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(url_hash) DO UPDATE SET
				success = 1,
				data = excluded.data,
				extraction_method = excluded.extraction_method,
				status_code = excluded.status_code,
				response_time_ms = excluded.response_time_ms,
				last_scraped = excluded.last_scraped,
				last_attempt = excluded.last_attempt,
				last_error_kind = NULL,
				last_error_message = NULL`,
			key, result.URL, string(payload), string(result.ExtractionMethod), result.StatusCode,
			result.ResponseTimeMs, ts, ts))
	}
	return s.write(ctx, "store failure", s.exec(`
		INSERT INTO scraping_results (
			url_hash, url, success, status_code, response_time_ms, last_attempt, last_error_kind, last_error_message, failure_count
		) VALUES (?, ?, 0, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(url_hash) DO UPDATE SET
			last_attempt = excluded.last_attempt,
			last_error_kind = excluded.last_error_kind,
			last_error_message = excluded.last_error_message,
			failure_count = scraping_results.failure_count + 1`,
		key, result.URL, result.StatusCode, result.ResponseTimeMs, ts, string(result.ErrorKind), result.ErrorMessage))
}

// UpdateSelectorPatternStats increments one counter in a single upsert.
func (s *Store) UpdateSelectorPatternStats(ctx context.Context, domain, elementType, selector string, success bool) error {
	successDelta, failureDelta := 0, 1
	if success {
		successDelta, failureDelta = 1, 0
	}
	return s.write(ctx, "update selector stats", s.exec(`
		INSERT INTO selector_patterns (pattern_id, domain, element_type, selector, success_count, failure_count, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_id) DO UPDATE SET
			success_count = selector_patterns.success_count + excluded.success_count,
			failure_count = selector_patterns.failure_count + excluded.failure_count,
			last_used = excluded.last_used`,
		sha256.PatternKey(domain, elementType, selector), domain, elementType, selector,
		successDelta, failureDelta, s.clock.Now().UnixMilli()))
}

// GetLearnedSelectors returns the best patterns with at least one success.
func (s *Store) GetLearnedSelectors(ctx context.Context, domain, elementType string, limit int) ([]crawler.SelectorPattern, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, element_type, selector, success_count, failure_count, last_used
		FROM selector_patterns
		WHERE domain = ? AND (? = '' OR element_type = ?) AND success_count > 0
		ORDER BY CAST(success_count AS REAL) / (success_count + failure_count + 1) DESC,
			success_count DESC,
			last_used DESC
		LIMIT ?`, domain, elementType, elementType, limit)
	if err != nil {
		return nil, fmt.Errorf("query learned selectors: %w", err)
	}
	defer rows.Close()

	var patterns []crawler.SelectorPattern
	for rows.Next() {
		var (
			p        crawler.SelectorPattern
			lastUsed int64
		)
		if err := rows.Scan(&p.Domain, &p.ElementType, &p.Selector, &p.SuccessCount, &p.FailureCount, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan selector pattern: %w", err)
		}
		p.LastUsed = time.UnixMilli(lastUsed).UTC()
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
	now := s.clock.Now().UnixMilli()
	successDelta, failureDelta := 0, 1
	lastFailed := sql.NullInt64{Int64: now, Valid: true}
	if success {
		successDelta, failureDelta = 1, 0
		lastFailed = sql.NullInt64{}
	}
	return s.write(ctx, "update proxy health", s.exec(`
		INSERT INTO proxy_health (
			proxy_url, success_count, failure_count, consecutive_failures, total_response_time_ms,
			request_count, is_active, last_used, last_failed
		) VALUES (?, ?, ?, ?, ?, 1, 1, ?, ?)
		ON CONFLICT(proxy_url) DO UPDATE SET
			success_count = proxy_health.success_count + excluded.success_count,
			failure_count = proxy_health.failure_count + excluded.failure_count,
			consecutive_failures = CASE WHEN excluded.success_count > 0 THEN 0
				ELSE proxy_health.consecutive_failures + 1 END,
			total_response_time_ms = proxy_health.total_response_time_ms + excluded.total_response_time_ms,
			request_count = proxy_health.request_count + 1,
			is_active = CASE WHEN excluded.success_count > 0 THEN 1
				WHEN proxy_health.consecutive_failures + 1 >= ? THEN 0
				ELSE proxy_health.is_active END,
			last_used = excluded.last_used,
			last_failed = COALESCE(excluded.last_failed, proxy_health.last_failed)`,
		proxyURL, successDelta, failureDelta, failureDelta, responseTime.Milliseconds(), now, lastFailed,
		crawler.MaxConsecutiveProxyFailures))
}

const proxyColumns = `proxy_url, success_count, failure_count, consecutive_failures,
	total_response_time_ms, request_count, is_active, last_used, last_failed`

// GetActiveProxies returns active proxies ranked by success ratio, least
// recently used first on ties.
func (s *Store) GetActiveProxies(ctx context.Context, limit int) ([]crawler.ProxyHealth, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryProxies(ctx, `
		SELECT `+proxyColumns+`
		FROM proxy_health
		WHERE is_active = 1
		ORDER BY CAST(success_count AS REAL) / (success_count + failure_count + 1) DESC,
			last_used ASC
		LIMIT ?`, limit)
}

// ListProxies returns every proxy row.
func (s *Store) ListProxies(ctx context.Context) ([]crawler.ProxyHealth, error) {
	return s.queryProxies(ctx, `
		SELECT `+proxyColumns+`
		FROM proxy_health
		ORDER BY is_active DESC, proxy_url ASC`)
}

func (s *Store) queryProxies(ctx context.Context, query string, args ...any) ([]crawler.ProxyHealth, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	var proxies []crawler.ProxyHealth
	for rows.Next() {
		var (
			p          crawler.ProxyHealth
			active     int
			lastUsed   sql.NullInt64
			lastFailed sql.NullInt64
		)
		if err := rows.Scan(&p.ProxyURL, &p.SuccessCount, &p.FailureCount, &p.ConsecutiveFailures,
			&p.TotalResponseTimeMs, &p.RequestCount, &active, &lastUsed, &lastFailed); err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		p.IsActive = active == 1
		p.LastUsed = fromMillis(lastUsed)
		p.LastFailed = fromMillis(lastFailed)
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
	return s.write(ctx, "register proxies", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, u := range proxyURLs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO proxy_health (proxy_url, is_active) VALUES (?, 1) ON CONFLICT(proxy_url) DO NOTHING`, u); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// StoreMetrics inserts one snapshot row.
func (s *Store) StoreMetrics(ctx context.Context, snapshot crawler.MetricsSnapshot) error {
	byMethod, err := json.Marshal(snapshot.ByMethod)
	if err != nil {
		return fmt.Errorf("encode method counts: %w", err)
	}
	return s.write(ctx, "store metrics", s.exec(`
		INSERT INTO metrics_snapshots (
			id, taken_at, started_at, processed, successful, failed, cache_hits, retries, total_response_time_ms, by_method
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.TakenAt.UnixMilli(), snapshot.StartedAt.UnixMilli(), snapshot.Processed,
		snapshot.Successful, snapshot.Failed, snapshot.CacheHits, snapshot.Retries,
		snapshot.TotalResponseTimeMs, string(byMethod)))
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
