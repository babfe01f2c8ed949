package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-crawler/internal/clock/manual"
	"github.com/JakeFAU/event-crawler/internal/crawler"
)

func openTestStore(t *testing.T) (*Store, *manual.Clock) {
	t.Helper()
	clk := manual.New(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "crawler.db")}, clk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, clk
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{}, manual.New(time.Now()), nil)
	require.Error(t, err)
}

func TestStoreResultAndCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := openTestStore(t)
	lat := 40.7
	result := crawler.ScrapingResult{
		URL:     "https://example.com/e/1",
		Success: true,
		Data: &crawler.EventData{
			Title:       "Jazz Night",
			StartDate:   "2024-06-20T20:00:00Z",
			GeoLatitude: &lat,
			Performers:  []crawler.Performer{{Name: "Trio"}},
		},
		ExtractionMethod: crawler.MethodJSONLD,
		Timestamp:        clk.Now(),
		ResponseTimeMs:   420,
		StatusCode:       200,
	}
	require.NoError(t, store.StoreResult(ctx, result))

	clk.Advance(2 * time.Hour)
	cached, err := store.GetCachedResult(ctx, result.URL, 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.True(t, cached.Success)
	require.True(t, cached.IsFromCache)
	require.Equal(t, result.Data, cached.Data)
	require.Equal(t, 200, cached.StatusCode)

	second, err := store.GetCachedResult(ctx, result.URL, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, cached, second)

	require.NoError(t, store.StoreResult(ctx, crawler.ScrapingResult{
		URL: result.URL, ErrorKind: crawler.KindTimeout, ErrorMessage: "timed out", Timestamp: clk.Now(),
	}))
	afterFailure, err := store.GetCachedResult(ctx, result.URL, 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, afterFailure)
	require.Equal(t, "Jazz Night", afterFailure.Data.Title)

	expired, err := store.GetCachedResult(ctx, result.URL, time.Hour)
	require.NoError(t, err)
	require.Nil(t, expired)

	disabled, err := store.GetCachedResult(ctx, result.URL, 0)
	require.NoError(t, err)
	require.Nil(t, disabled)
}

func TestFailureOnlyURLIsNotCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := openTestStore(t)
	url := "https://example.com/broken"
	require.NoError(t, store.StoreResult(ctx, crawler.ScrapingResult{
		URL: url, ErrorKind: crawler.KindHTTPStatus, StatusCode: 500, Timestamp: clk.Now(),
	}))
	require.NoError(t, store.StoreResult(ctx, crawler.ScrapingResult{
		URL: url, ErrorKind: crawler.KindHTTPStatus, StatusCode: 500, Timestamp: clk.Now(),
	}))

	cached, err := store.GetCachedResult(ctx, url, time.Hour)
	require.NoError(t, err)
	require.Nil(t, cached)

	var failures int
	require.NoError(t, store.db.QueryRow(`SELECT failure_count FROM scraping_results`).Scan(&failures))
	require.Equal(t, 2, failures)
}

func TestSelectorPatternRanking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := openTestStore(t)
	domain := "events.example.com"

	for i := 0; i < 9; i++ {
		require.NoError(t, store.UpdateSelectorPatternStats(ctx, domain, "title", "h1.event-title", true))
	}
	require.NoError(t, store.UpdateSelectorPatternStats(ctx, domain, "title", "h1.event-title", false))
	clk.Advance(time.Minute)
	require.NoError(t, store.UpdateSelectorPatternStats(ctx, domain, "title", "h1", true))
	require.NoError(t, store.UpdateSelectorPatternStats(ctx, domain, "title", "div.nope", false))
	require.NoError(t, store.UpdateSelectorPatternStats(ctx, domain, "date", "time.start", true))

	best, err := store.GetLearnedSelectors(ctx, domain, "title", 1)
	require.NoError(t, err)
	require.Len(t, best, 1)
	require.Equal(t, "h1.event-title", best[0].Selector)
	require.Equal(t, int64(9), best[0].SuccessCount)
	require.Equal(t, int64(1), best[0].FailureCount)

	titles, err := store.GetLearnedSelectors(ctx, domain, "title", 0)
	require.NoError(t, err)
	require.Len(t, titles, 2)
	require.Equal(t, "h1", titles[1].Selector)

	all, err := store.GetLearnedSelectors(ctx, domain, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	other, err := store.GetLearnedSelectors(ctx, "other.example.com", "title", 10)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestConcurrentSelectorUpdatesAreNotLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.UpdateSelectorPatternStats(ctx, "example.com", "price", "span.price", true))
		}()
	}
	wg.Wait()

	patterns, err := store.GetLearnedSelectors(ctx, "example.com", "price", 1)
	require.NoError(t, err)
	require.Equal(t, int64(20), patterns[0].SuccessCount)
}

func TestProxyHealthLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := openTestStore(t)
	bad := "http://10.0.0.1:8080"
	good := "http://10.0.0.2:8080"
	require.NoError(t, store.RegisterProxies(ctx, []string{bad, good}))
	require.NoError(t, store.RegisterProxies(ctx, []string{good}))

	for i := 0; i < 4; i++ {
		clk.Advance(time.Second)
		require.NoError(t, store.UpdateProxyHealth(ctx, bad, false, 200*time.Millisecond))
	}
	active, err := store.GetActiveProxies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, good, active[0].ProxyURL)

	require.NoError(t, store.UpdateProxyHealth(ctx, bad, false, 200*time.Millisecond))
	active, err = store.GetActiveProxies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, good, active[0].ProxyURL)

	require.NoError(t, store.UpdateProxyHealth(ctx, bad, true, 100*time.Millisecond))
	all, err := store.ListProxies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, p := range all {
		if p.ProxyURL != bad {
			continue
		}
		require.True(t, p.IsActive)
		require.Zero(t, p.ConsecutiveFailures)
		require.Equal(t, int64(5), p.FailureCount)
		require.Equal(t, int64(6), p.RequestCount)
		require.Equal(t, int64(1100), p.TotalResponseTimeMs)
		require.False(t, p.LastFailed.IsZero())
	}
}

func TestStoreMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk := openTestStore(t)
	snap := crawler.MetricsSnapshot{
		ID:        "0190a1b2-0000-7000-8000-000000000001",
		TakenAt:   clk.Now(),
		StartedAt: clk.Now().Add(-time.Minute),
		Processed: 4, Successful: 3, Failed: 1, CacheHits: 1,
		ByMethod: map[crawler.ExtractionMethod]int64{crawler.MethodJSONLD: 2, crawler.MethodCache: 1},
	}
	require.NoError(t, store.StoreMetrics(ctx, snap))

	var processed int64
	require.NoError(t, store.db.QueryRow(`SELECT processed FROM metrics_snapshots WHERE id = ?`, snap.ID).Scan(&processed))
	require.Equal(t, int64(4), processed)

	err := store.StoreMetrics(ctx, snap)
	var storageErr *crawler.StorageError
	require.ErrorAs(t, err, &storageErr)
}

func TestIsBusy(t *testing.T) {
	t.Parallel()

	require.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	require.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrLocked}))
	require.False(t, isBusy(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	require.False(t, isBusy(errors.New("other")))
}
