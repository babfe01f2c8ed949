package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/event-crawler/internal/config"
	"github.com/JakeFAU/event-crawler/internal/crawler"
	memoryStorage "github.com/JakeFAU/event-crawler/internal/storage/memory"
)

type fakeApp struct {
	cfg      config.Config
	store    *memoryStorage.Store
	crawled  []string
	served   bool
	closed   bool
	serveErr error
}

func (f *fakeApp) Crawl(_ context.Context, urls []string) ([]crawler.ScrapingResult, error) {
	f.crawled = append(f.crawled, urls...)
	out := make([]crawler.ScrapingResult, 0, len(urls))
	for _, u := range urls {
		r := crawler.ScrapingResult{URL: u, Success: !strings.Contains(u, "broken")}
		if r.Success {
			r.Data = &crawler.EventData{Title: "Event at " + u}
			r.ExtractionMethod = crawler.MethodJSONLD
		} else {
			r.ErrorKind = crawler.KindNetwork
			r.ErrorMessage = "connection refused"
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return f.serveErr
}

func (f *fakeApp) Store() crawler.Store { return f.store }
func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }
func (f *fakeApp) Close() { f.closed = true }

// withFakeApp swaps the package-level factory, so callers must not run in parallel.
func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		app.cfg = cfg
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlWritesJSONLines(t *testing.T) {
	app := &fakeApp{store: memoryStorage.NewStore(nil)}
	withFakeApp(t, app)

	out, err := execute(t, "crawl", "--fetcher", "http", "--concurrency", "2",
		"https://example.com/events/1", "https://example.com/broken")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/events/1", "https://example.com/broken"}, app.crawled)
	assert.True(t, app.closed)
	assert.Equal(t, "http", app.cfg.Browser.Fetcher)
	assert.Equal(t, 2, app.cfg.Crawler.MaxConcurrentScrapes)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first, second crawler.ScrapingResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.True(t, first.Success)
	assert.Equal(t, "Event at https://example.com/events/1", first.Data.Title)
	assert.False(t, second.Success)
	assert.Equal(t, crawler.KindNetwork, second.ErrorKind)
}

func TestCrawlReadsURLFileAndWritesYAMLFile(t *testing.T) {
	app := &fakeApp{store: memoryStorage.NewStore(nil)}
	withFakeApp(t, app)

	dir := t.TempDir()
	list := filepath.Join(dir, "urls.txt")
	require.NoError(t, os.WriteFile(list, []byte("# weekend\nhttps://example.com/a\n\nhttps://example.com/b\n"), 0o600))
	dst := filepath.Join(dir, "results.yaml")

	_, err := execute(t, "crawl", "--urls-file", list, "--format", "yaml", "--output", dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, app.crawled)

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	dec := yaml.NewDecoder(f)
	var urls []string
	for {
		var r crawler.ScrapingResult
		if err := dec.Decode(&r); err != nil {
			break
		}
		urls = append(urls, r.URL)
	}
	assert.Equal(t, app.crawled, urls)
}

func TestCrawlRequiresURLs(t *testing.T) {
	withFakeApp(t, &fakeApp{store: memoryStorage.NewStore(nil)})

	_, err := execute(t, "crawl")
	assert.ErrorContains(t, err, "no URLs given")
}

func TestCrawlRejectsUnknownFormat(t *testing.T) {
	app := &fakeApp{store: memoryStorage.NewStore(nil)}
	withFakeApp(t, app)

	_, err := execute(t, "crawl", "--format", "csv", "https://example.com/a")
	assert.ErrorContains(t, err, "unsupported output format")
	assert.Empty(t, app.crawled)
}

func TestServeDelegatesToApp(t *testing.T) {
	app := &fakeApp{store: memoryStorage.NewStore(nil)}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	assert.True(t, app.served)
	assert.True(t, app.closed)
}

func TestServePropagatesErrors(t *testing.T) {
	withFakeApp(t, &fakeApp{store: memoryStorage.NewStore(nil), serveErr: errors.New("port in use")})

	_, err := execute(t, "serve")
	assert.ErrorContains(t, err, "port in use")
}

func TestStatsReportsProxiesAndSelectors(t *testing.T) {
	store := memoryStorage.NewStore(nil)
	ctx := context.Background()
	require.NoError(t, store.RegisterProxies(ctx, []string{"http://10.0.0.1:8080"}))
	require.NoError(t, store.UpdateSelectorPatternStats(ctx, "example.com", "title", "h1.event-title", true))
	require.NoError(t, store.UpdateSelectorPatternStats(ctx, "example.com", "title", "h2", false))
	withFakeApp(t, &fakeApp{store: store})

	out, err := execute(t, "stats", "--domain", "Example.com", "--format", "json")
	require.NoError(t, err)

	var report statsReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Proxies, 1)
	assert.Equal(t, "http://10.0.0.1:8080", report.Proxies[0].URL)
	assert.True(t, report.Proxies[0].Active)
	assert.Equal(t, "example.com", report.Domain)
	require.Len(t, report.Selectors, 1, "selectors without a success are not learned yet")
	assert.Equal(t, "h1.event-title", report.Selectors[0].Selector)
	assert.InDelta(t, 0.5, report.Selectors[0].SuccessRatio, 1e-9)
}

func TestInvalidConfigFails(t *testing.T) {
	withFakeApp(t, &fakeApp{store: memoryStorage.NewStore(nil)})

	_, err := execute(t, "crawl", "--log-level", "loud", "https://example.com/a")
	assert.ErrorContains(t, err, "load config")
}

func TestReadURLs(t *testing.T) {
	t.Parallel()

	list := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(list, []byte(" https://b.example/x \n#skip\nhttps://a.example/1\n"), 0o600))

	got, err := readURLs([]string{"https://a.example/1", "", "https://c.example/2"}, list)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/1", "https://c.example/2", "https://b.example/x"}, got)

	_, err = readURLs(nil, filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorContains(t, err, "open urls file")
}
