package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/config"
	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/policy/retry"
	memoryStorage "github.com/JakeFAU/event-crawler/internal/storage/memory"
)

const eventPage = `<html><head><title>Harbor Lights</title>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"MusicEvent","name":"Harbor Lights Festival",
 "startDate":"2026-11-07T18:00:00-05:00","location":{"@type":"Place","name":"Pier 9"}}
</script></head><body><h1>Harbor Lights Festival</h1></body></html>`

func testConfig(t *testing.T, overrides map[string]any) config.Config {
	t.Helper()
	v := viper.New()
	v.Set("storage.driver", "memory")
	v.Set("browser.fetcher", "http")
	v.Set("crawler.min_delay_between_requests_ms", 0)
	v.Set("crawler.max_delay_between_requests_ms", 0)
	v.Set("crawler.per_domain_rps", 0)
	v.Set("crawler.max_retries_per_url", 0)
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.LoadWith(v, "")
	require.NoError(t, err)
	return cfg
}

func eventServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(eventPage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildWiresMemoryStoreAndProxies(t *testing.T) {
	t.Parallel()

	proxyFile := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(proxyFile, []byte("# egress\nhttp://10.0.0.1:8080\n10.0.0.2:3128\n"), 0o600))
	cfg := testConfig(t, map[string]any{"fingerprint.proxy_file": proxyFile})

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	assert.IsType(t, &memoryStorage.Store{}, app.Store())
	proxies, err := app.Store().ListProxies(context.Background())
	require.NoError(t, err)
	assert.Len(t, proxies, 2)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRejectsMissingProxyFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]any{"fingerprint.proxy_file": filepath.Join(t.TempDir(), "missing.txt")})

	_, err := Build(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "load proxy file")
}

func TestBuildOpensSQLite(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "crawler.db")
	cfg := testConfig(t, map[string]any{"storage.driver": "sqlite", "storage.db_path": dbPath})

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	app.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestBuildCreatesScreenshotDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "shots")
	cfg := testConfig(t, map[string]any{
		"screenshots.screenshot_on_error":  true,
		"screenshots.error_screenshot_dir": dir,
	})

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSetupScreenshotsSelectsBackend(t *testing.T) {
	t.Parallel()

	off := &App{cfg: testConfig(t, nil), logger: zap.NewNop()}
	blobs, err := setupScreenshots(context.Background(), off)
	require.NoError(t, err)
	assert.Nil(t, blobs)

	inMemory := &App{cfg: testConfig(t, map[string]any{
		"screenshots.screenshot_on_error":  true,
		"screenshots.error_screenshot_dir": "memory://",
	}), logger: zap.NewNop()}
	blobs, err = setupScreenshots(context.Background(), inMemory)
	require.NoError(t, err)
	assert.IsType(t, &memoryStorage.BlobStore{}, blobs)

	badBucket := &App{cfg: testConfig(t, map[string]any{
		"screenshots.screenshot_on_error":  true,
		"screenshots.error_screenshot_dir": "gs://",
	}), logger: zap.NewNop()}
	_, err = setupScreenshots(context.Background(), badBucket)
	assert.ErrorContains(t, err, "screenshot bucket")
}

func TestBuildWiresTwoCaptcha(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]any{
		"captcha.captcha_service_name":   "2captcha",
		"captcha.captcha_solver_api_key": "key",
	})

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	app.Close()
}

func TestCrawlOverHTTP(t *testing.T) {
	t.Parallel()

	site := eventServer(t)
	app, err := Build(context.Background(), testConfig(t, nil), zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	results, err := app.Crawl(context.Background(), []string{site.URL + "/events/harbor-lights"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]
	require.True(t, r.Success, r.ErrorMessage)
	assert.Equal(t, crawler.MethodJSONLD, r.ExtractionMethod)
	assert.Equal(t, "Harbor Lights Festival", r.Data.Title)
	assert.Equal(t, "Pier 9", r.Data.VenueName)
	assert.Equal(t, http.StatusOK, r.StatusCode)

	store := app.Store().(*memoryStorage.Store)
	require.Len(t, store.Snapshots(), 1, "crawl persists a final snapshot")
	assert.EqualValues(t, 1, store.Snapshots()[0].Successful)
}

func TestServeAcceptsQueuedURLs(t *testing.T) {
	t.Parallel()

	site := eventServer(t)
	cfg := testConfig(t, nil)
	cfg.Server.Port = freePort(t)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- app.Serve(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body, err := json.Marshal(map[string][]string{"urls": {site.URL + "/events/1"}})
	require.NoError(t, err)
	resp, err := http.Post(base+"/v1/urls", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return app.Orchestrator().Snapshot().Successful == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.True(t, app.Orchestrator().Stopped())
}

func TestRetryConfigMapsCategories(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]any{
		"crawler.max_retries_per_url":   4,
		"retry.rate_limit.base_ms":      7000,
		"retry.rate_limit.multiplier":   3,
		"retry.rate_limit.cap_ms":       90000,
		"retry.rate_limit.jitter":       0.5,
		"retry.connection.base_ms":      250,
		"retry.connection.multiplier":   2,
		"retry.connection.cap_ms":       4000,
		"retry.connection.jitter":       0,
	})

	got := RetryConfig(cfg)

	assert.Equal(t, 4, got.MaxRetries)
	assert.Len(t, got.Backoffs, len(retry.Categories))
	assert.Equal(t, retry.Backoff{Base: 7 * time.Second, Multiplier: 3, Cap: 90 * time.Second, Jitter: 0.5}, got.Backoffs[retry.CategoryRateLimit])
	assert.Equal(t, retry.Backoff{Base: 250 * time.Millisecond, Multiplier: 2, Cap: 4 * time.Second}, got.Backoffs[retry.CategoryConnection])
	assert.Equal(t, 10*time.Second, got.Backoffs[retry.CategoryCaptcha].Base, "untouched categories keep their defaults")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
