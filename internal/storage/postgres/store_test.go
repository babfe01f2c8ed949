package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-crawler/internal/clock/manual"
	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/hash/sha256"
)

var testNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, Config{BusyBackoff: time.Millisecond}, manual.New(testNow), nil)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, Config{}, manual.New(testNow), nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, Config{}, nil, nil)
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scraping_results").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSelectorPatternStatsUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	domain, field, selector := "example.com", "title", "h1.event-title"
	mock.ExpectExec("INSERT INTO selector_patterns").
		WithArgs(sha256.PatternKey(domain, field, selector), domain, field, selector, int64(1), int64(0), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpdateSelectorPatternStats(context.Background(), domain, field, selector, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWritesRetryOnSerializationFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	busy := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	mock.ExpectExec("INSERT INTO selector_patterns").WillReturnError(busy)
	mock.ExpectExec("INSERT INTO selector_patterns").WillReturnError(busy)
	mock.ExpectExec("INSERT INTO selector_patterns").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpdateSelectorPatternStats(context.Background(), "example.com", "date", "time", false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWritesSurfaceStorageErrorAfterRetries(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	busy := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO proxy_health").WillReturnError(busy)
	}

	err := store.UpdateProxyHealth(context.Background(), "http://10.0.0.1:8080", false, time.Second)
	var storageErr *crawler.StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "update proxy health", storageErr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProxyHealthFailureArgs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO proxy_health").
		WithArgs("http://10.0.0.1:8080", int64(0), int64(1), int64(250), testNow, pgxmock.AnyArg(),
			crawler.MaxConsecutiveProxyFailures).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpdateProxyHealth(context.Background(), "http://10.0.0.1:8080", false, 250*time.Millisecond))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCachedResultMissAndHit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://example.com/e/1"
	mock.ExpectQuery("SELECT url, data").
		WithArgs(sha256.URLKey(url)).
		WillReturnError(pgx.ErrNoRows)

	miss, err := store.GetCachedResult(context.Background(), url, time.Hour)
	require.NoError(t, err)
	require.Nil(t, miss)

	scraped := testNow.Add(-30 * time.Minute)
	mock.ExpectQuery("SELECT url, data").
		WithArgs(sha256.URLKey(url)).
		WillReturnRows(pgxmock.NewRows([]string{"url", "data", "status_code", "response_time_ms", "last_scraped"}).
			AddRow(url, []byte(`{"title":"Jazz Night","venue_name":"Blue Room"}`), 200, int64(310), &scraped))

	hit, err := store.GetCachedResult(context.Background(), url, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.True(t, hit.IsFromCache)
	require.Equal(t, crawler.MethodCache, hit.ExtractionMethod)
	require.Equal(t, "Blue Room", hit.Data.VenueName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCachedResultStale(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://example.com/e/old"
	scraped := testNow.Add(-48 * time.Hour)
	mock.ExpectQuery("SELECT url, data").
		WithArgs(sha256.URLKey(url)).
		WillReturnRows(pgxmock.NewRows([]string{"url", "data", "status_code", "response_time_ms", "last_scraped"}).
			AddRow(url, []byte(`{"title":"Old"}`), 200, int64(100), &scraped))

	stale, err := store.GetCachedResult(context.Background(), url, 24*time.Hour)
	require.NoError(t, err)
	require.Nil(t, stale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreResultFailureUpdatesFailureColumns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	result := crawler.ScrapingResult{
		URL:          "https://example.com/e/2",
		ErrorKind:    crawler.KindCaptchaUnsolved,
		ErrorMessage: "unsolved hcaptcha challenge",
		Timestamp:    testNow,
	}
	mock.ExpectExec("INSERT INTO scraping_results").
		WithArgs(sha256.URLKey(result.URL), result.URL, 0, int64(0), testNow, "captcha_unsolved", result.ErrorMessage).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StoreResult(context.Background(), result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLearnedSelectorsScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	limit := 1
	mock.ExpectQuery("SELECT domain, element_type, selector").
		WithArgs("example.com", "title", &limit).
		WillReturnRows(pgxmock.NewRows([]string{"domain", "element_type", "selector", "success_count", "failure_count", "last_used"}).
			AddRow("example.com", "title", "h1.event-title", int64(9), int64(1), testNow))

	patterns, err := store.GetLearnedSelectors(context.Background(), "example.com", "title", 1)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	require.Equal(t, "h1.event-title", patterns[0].Selector)
	require.Equal(t, int64(9), patterns[0].SuccessCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveProxiesScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	used := testNow.Add(-time.Minute)
	mock.ExpectQuery("SELECT proxy_url").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"proxy_url", "success_count", "failure_count", "consecutive_failures",
			"total_response_time_ms", "request_count", "is_active", "last_used", "last_failed",
		}).
			AddRow("http://10.0.0.2:8080", int64(4), int64(0), int64(0), int64(800), int64(4), true, &used, (*time.Time)(nil)))

	proxies, err := store.GetActiveProxies(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	require.True(t, proxies[0].IsActive)
	require.Equal(t, 200*time.Millisecond, proxies[0].AverageResponseTime())
	require.True(t, proxies[0].LastFailed.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterProxiesAndMetrics(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	proxies := []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080"}
	mock.ExpectExec("INSERT INTO proxy_health").
		WithArgs(proxies).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("INSERT INTO metrics_snapshots").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	require.NoError(t, store.RegisterProxies(ctx, proxies))
	require.NoError(t, store.RegisterProxies(ctx, nil))
	require.NoError(t, store.StoreMetrics(ctx, crawler.MetricsSnapshot{
		ID: "0190a1b2-0000-7000-8000-000000000001", TakenAt: testNow, StartedAt: testNow,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
