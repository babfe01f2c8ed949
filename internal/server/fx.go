// Package server builds the crawler's dependency graph from configuration
// and runs it as a one-shot batch or a long-lived service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/api"
	"github.com/JakeFAU/event-crawler/internal/captcha"
	"github.com/JakeFAU/event-crawler/internal/clock/system"
	"github.com/JakeFAU/event-crawler/internal/config"
	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/event-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/event-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/event-crawler/internal/fingerprint"
	"github.com/JakeFAU/event-crawler/internal/id/uuid"
	"github.com/JakeFAU/event-crawler/internal/metrics"
	"github.com/JakeFAU/event-crawler/internal/orchestrator"
	"github.com/JakeFAU/event-crawler/internal/policy/admission"
	"github.com/JakeFAU/event-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/event-crawler/internal/policy/retry"
	gcppublisher "github.com/JakeFAU/event-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/event-crawler/internal/queue/memory"
	"github.com/JakeFAU/event-crawler/internal/selector"
	gcsstorage "github.com/JakeFAU/event-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/event-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/event-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/event-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/event-crawler/internal/storage/sqlite"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock        crawler.Clock
	ids          crawler.IDGenerator
	store        crawler.Store
	identity     *fingerprint.Provider
	sessions     crawler.SessionProvider
	orchestrator *orchestrator.Orchestrator
	queue        *queueMemory.Queue
	apiServer    *api.Server

	gcsClient *storage.Client
	publisher *gcppublisher.Publisher
}

// Build creates the application's dependencies. Browser processes are not
// started until Start.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	logger.Info("building application dependencies",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("fetcher", cfg.Browser.Fetcher),
		zap.Int("max_concurrent_scrapes", cfg.Crawler.MaxConcurrentScrapes),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	var err error
	if app.store, err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	if app.identity, err = setupIdentity(ctx, app); err != nil {
		return nil, err
	}
	app.sessions = setupSessions(app)
	challenges, err := setupChallenges(app)
	if err != nil {
		return nil, err
	}
	screenshots, err := setupScreenshots(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Store:       app.store,
		Sessions:    app.sessions,
		Extractor:   setupExtraction(app),
		Retry:       retry.New(RetryConfig(cfg), logger),
		Identity:    app.identity,
		Challenges:  challenges,
		Politeness:  setupPoliteness(cfg),
		Screenshots: screenshots,
		Clock:       app.clock,
		IDs:         app.ids,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	if admit := setupAdmission(cfg, logger); admit != nil {
		deps.Admission = admit
	}
	app.orchestrator, err = orchestrator.New(orchestrator.Config{
		MaxConcurrent:    cfg.Crawler.MaxConcurrentScrapes,
		CacheMaxAge:      cfg.CacheMaxAge(),
		AcquireTimeout:   cfg.ContextAcquireTimeout(),
		RequestTimeout:   cfg.RequestTimeout(),
		URLBudget:        cfg.URLBudget(),
		ShutdownTimeout:  cfg.ShutdownTimeout(),
		SnapshotInterval: cfg.MetricsSnapshotInterval(),
		PublishTopic:     cfg.Publish.Topic,
		ScreenshotOnErr:  cfg.Screenshots.ScreenshotOnError,
	}, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.queue = queueMemory.NewQueue(cfg.Crawler.QueueDepth)
	app.apiServer = api.NewServer(app.queue, app.orchestrator, app.store, cfg.Server.APIKey, logger)
	ok = true
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store exposes the persistent store for read-only commands.
func (a *App) Store() crawler.Store { return a.store }

// Orchestrator exposes the pipeline.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Start launches browser processes when the browser transport is used.
func (a *App) Start(ctx context.Context) error {
	pool, ok := a.sessions.(*headlessfetcher.Pool)
	if !ok {
		return nil
	}
	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	return nil
}

// Crawl scrapes urls as one batch, then shuts the pipeline down. Canceling
// ctx stops new URLs; in-flight ones get the shutdown timeout to finish.
func (a *App) Crawl(ctx context.Context, urls []string) ([]crawler.ScrapingResult, error) {
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	work, release := a.orchestrator.Detach(ctx)
	defer release()
	results := a.orchestrator.CrawlBatch(work, urls)
	if err := a.orchestrator.Shutdown(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("pipeline shutdown incomplete", zap.Error(err))
	}
	return results, nil
}

// Serve runs the HTTP API and the stream scheduler until ctx is canceled,
// then drains in-flight URLs within the shutdown timeout.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// The stream outlives ctx so in-flight URLs can finish during shutdown.
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStream()
	results := make(chan crawler.ScrapingResult, a.cfg.Crawler.MaxConcurrentScrapes)
	streamDone := make(chan error, 1)
	go func() {
		a.logger.Info("stream scheduler started")
		streamDone <- a.orchestrator.Stream(streamCtx, a.queue.Items(), results)
	}()
	go func() {
		for r := range results {
			a.logger.Debug("streamed result", zap.String("url", r.URL), zap.Bool("success", r.Success))
		}
	}()
	go a.orchestrator.RunSnapshots(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	a.queue.Close()
	if err := a.orchestrator.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	cancelStream()
	if err := <-streamDone; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, orchestrator.ErrStopped) {
		errs = append(errs, fmt.Errorf("stream scheduler: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases infrastructure clients and flushes the logger.
func (a *App) Close() {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
		a.store = nil
	}
}

func setupStore(ctx context.Context, app *App) (crawler.Store, error) {
	cfg := app.cfg.Storage
	switch cfg.Driver {
	case "postgres":
		app.logger.Info("using postgres store")
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:         cfg.DSN,
			BusyRetries: cfg.BusyRetries,
			BusyBackoff: app.cfg.BusyBackoff(),
		}, app.clock, app.logger)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return store, nil
	case "memory":
		app.logger.Warn("using in-memory store; learned selectors and proxy health are lost on exit")
		return memoryStorage.NewStore(app.clock), nil
	default:
		app.logger.Info("using sqlite store", zap.String("path", cfg.DBPath))
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:        cfg.DBPath,
			BusyRetries: cfg.BusyRetries,
			BusyBackoff: app.cfg.BusyBackoff(),
		}, app.clock, app.logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		return store, nil
	}
}

func setupIdentity(ctx context.Context, app *App) (*fingerprint.Provider, error) {
	cfg := app.cfg.Fingerprint
	if cfg.ProxyFile != "" {
		proxies, err := fingerprint.LoadProxyFile(cfg.ProxyFile)
		if err != nil {
			return nil, fmt.Errorf("load proxy file: %w", err)
		}
		if err := app.store.RegisterProxies(ctx, proxies); err != nil {
			return nil, fmt.Errorf("register proxies: %w", err)
		}
		app.logger.Info("proxies registered", zap.Int("count", len(proxies)), zap.String("file", cfg.ProxyFile))
	}
	minDelay, maxDelay := app.cfg.DelayRange()
	return fingerprint.New(fingerprint.Config{
		UserAgentCacheSize:      cfg.UserAgentCacheSize,
		MinDelay:                minDelay,
		MaxDelay:                maxDelay,
		RefererProbability:      cfg.RefererProbability,
		ProxyRefreshProbability: cfg.ProxyRefreshProbability,
		ProxyListLimit:          cfg.ProxyListLimit,
	}, app.store, app.logger.Named("fingerprint")), nil
}

func setupSessions(app *App) crawler.SessionProvider {
	cfg := app.cfg.Browser
	if cfg.Fetcher == "http" {
		app.logger.Info("using colly session provider")
		return collyfetcher.New(collyfetcher.Config{
			MaxSessions: app.cfg.Crawler.MaxConcurrentScrapes,
			Timeout:     app.cfg.RequestTimeout(),
		}, app.identity, app.ids, app.logger)
	}
	app.logger.Info("using headless browser pool",
		zap.Int("size", cfg.BrowserPoolSize),
		zap.Bool("headless", cfg.HeadlessBrowser),
	)
	launcher := headlessfetcher.NewChromeLauncher(headlessfetcher.LauncherConfig{
		Headless:  cfg.HeadlessBrowser,
		ExecPath:  cfg.ExecPath,
		NoSandbox: cfg.NoSandbox,
	}, app.logger)
	return headlessfetcher.NewPool(
		headlessfetcher.Config{Size: cfg.BrowserPoolSize},
		launcher,
		app.identity,
		app.identity,
		app.ids,
		app.logger,
	)
}

func setupChallenges(app *App) (*captcha.Detector, error) {
	cfg := app.cfg.Captcha
	var solver captcha.Solver = captcha.NoopSolver{}
	if cfg.ServiceName == "2captcha" {
		twoCaptcha, err := captcha.NewTwoCaptcha(captcha.TwoCaptchaConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("captcha solver init failed: %w", err)
		}
		solver = twoCaptcha
		app.logger.Info("using 2captcha solver", zap.String("base_url", cfg.BaseURL))
	}
	return captcha.NewDetector(captcha.Config{
		PlatformWait: time.Duration(cfg.PlatformWaitSeconds) * time.Second,
	}, solver, app.logger), nil
}

func setupExtraction(app *App) *extract.Cascade {
	learner := newLearner(app)
	return extract.NewDefault(extract.Policy{
		MinTitleLength:       app.cfg.Extraction.MinTitleLength,
		MinDescriptionLength: app.cfg.Extraction.MinDescriptionLength,
	}, learner, app.logger)
}

func newLearner(app *App) *selector.Learner {
	cfg := app.cfg.Adaptive
	return selector.New(selector.Config{
		MaxElements:     cfg.MaxElementsToInspect,
		MinTextLength:   cfg.MinTextLength,
		MaxTextLength:   cfg.MaxTextLength,
		SelectorTimeout: app.cfg.SelectorTimeout(),
	}, app.store, app.logger)
}

func setupAdmission(cfg config.Config, logger *zap.Logger) *admission.Policy {
	return admission.New(admission.Config{
		BlockedDomains: cfg.Crawler.BlockedDomains,
		RespectRobots:  cfg.Crawler.RespectRobots,
		UserAgent:      cfg.Crawler.RobotsUserAgent,
		RobotsTimeout:  cfg.RequestTimeout(),
	}, logger.Named("admission"))
}

func setupPoliteness(cfg config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.PerDomainRPS,
		DefaultBurst: cfg.Crawler.PerDomainBurst,
		OnDelay:      metrics.ObserveRateLimitDelay,
	})
}

func setupScreenshots(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Screenshots
	if !cfg.ScreenshotOnError {
		return nil, nil
	}
	if cfg.ErrorScreenshotDir == "memory://" {
		app.logger.Info("error screenshots are kept in memory")
		return memoryStorage.NewBlobStore(), nil
	}
	if strings.HasPrefix(cfg.ErrorScreenshotDir, "gs://") {
		gcsCfg, err := gcsstorage.ParseURI(cfg.ErrorScreenshotDir)
		if err != nil {
			return nil, fmt.Errorf("screenshot bucket: %w", err)
		}
		app.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.gcsClient, gcsCfg)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("error screenshots go to GCS", zap.String("bucket", gcsCfg.Bucket), zap.String("prefix", gcsCfg.Prefix))
		return blobs, nil
	}
	blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.ErrorScreenshotDir})
	if err != nil {
		return nil, fmt.Errorf("local blob store init failed: %w", err)
	}
	app.logger.Info("error screenshots go to disk", zap.String("dir", cfg.ErrorScreenshotDir))
	return blobs, nil
}

func setupPublisher(ctx context.Context, app *App) (*gcppublisher.Publisher, error) {
	cfg := app.cfg.Publish
	if cfg.ProjectID == "" || cfg.Topic == "" {
		app.logger.Info("no Pub/Sub topic configured, results are not published")
		return nil, nil
	}
	publisher, err := gcppublisher.Dial(ctx, cfg.ProjectID, cfg.Topic, app.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = publisher
	app.logger.Info("Pub/Sub publisher initialized", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.Topic))
	return publisher, nil
}

// RetryConfig maps the per-category backoff settings onto the retry engine.
func RetryConfig(cfg config.Config) retry.Config {
	backoff := func(b config.BackoffConfig) retry.Backoff {
		return retry.Backoff{Base: b.Base(), Multiplier: b.Multiplier, Cap: b.Cap(), Jitter: b.Jitter}
	}
	return retry.Config{
		MaxRetries: cfg.Crawler.MaxRetriesPerURL,
		Backoffs: map[retry.Category]retry.Backoff{
			retry.CategoryRateLimit:  backoff(cfg.Retry.RateLimit),
			retry.CategoryTimeout:    backoff(cfg.Retry.Timeout),
			retry.CategoryConnection: backoff(cfg.Retry.Connection),
			retry.CategoryCaptcha:    backoff(cfg.Retry.Captcha),
			retry.CategoryDefault:    backoff(cfg.Retry.Default),
		},
	}
}
