// Package orchestrator runs the per-URL crawl pipeline under bounded
// concurrency and owns the batch and stream schedulers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/event-crawler/internal/clock/system"
	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/hash/sha256"
	"github.com/JakeFAU/event-crawler/internal/metrics"
	"github.com/JakeFAU/event-crawler/internal/policy/retry"
)

// ErrStopped is reported for URLs that were not started because the
// orchestrator was stopped.
var ErrStopped = errors.New("orchestrator stopped")

// Identity supplies per-request disguise and receives proxy outcomes.
type Identity interface {
	HumanDelay() time.Duration
	RandomHeaders() http.Header
	RecordProxyOutcome(ctx context.Context, proxy string, success bool, responseTime time.Duration) error
}

// Challenges detects and clears anti-bot challenges.
type Challenges interface {
	Detect(ctx context.Context, page crawler.Page) *crawler.ChallengeInfo
	Solve(ctx context.Context, page crawler.Page, challenge crawler.ChallengeInfo) bool
}

// Extractor turns a loaded page into event data.
type Extractor interface {
	Run(ctx context.Context, page crawler.Page, domain string) (crawler.EventData, crawler.ExtractionMethod, error)
}

// Admission refuses URLs that must not be crawled at all.
type Admission interface {
	Admit(ctx context.Context, rawURL string) error
}

// Politeness spaces requests to the same domain and learns from how the
// domain answered.
type Politeness interface {
	Wait(ctx context.Context, rawURL string) error
	Feedback(rawURL string, throttled bool)
}

// Config tunes the pipeline.
type Config struct {
	MaxConcurrent  int
	CacheMaxAge    time.Duration
	AcquireTimeout time.Duration
	RequestTimeout time.Duration
	// URLBudget bounds one URL across all of its attempts.
	URLBudget        time.Duration
	ShutdownTimeout  time.Duration
	SnapshotInterval time.Duration
	PublishTopic     string
	ScreenshotOnErr  bool
}

// Deps are the collaborators of the pipeline. Store, Sessions, Extractor
// and Retry are required.
type Deps struct {
	Store       crawler.Store
	Sessions    crawler.SessionProvider
	Extractor   Extractor
	Retry       *retry.Engine
	Identity    Identity
	Challenges  Challenges
	Politeness  Politeness
	Admission   Admission
	Publisher   crawler.Publisher
	Screenshots crawler.BlobStore
	Clock       crawler.Clock
	IDs         crawler.IDGenerator
	// Sleep waits out human delays; it must return early when ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator drives URLs through the pipeline.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	sem    *semaphore.Weighted

	// mu guards stopped and the Add side of inflight.
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	stats *stats
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: session provider is required")
	case deps.Extractor == nil:
		return nil, errors.New("orchestrator: extractor is required")
	case deps.Retry == nil:
		return nil, errors.New("orchestrator: retry engine is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.URLBudget <= 0 {
		cfg.URLBudget = 3 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Sleep == nil {
		deps.Sleep = system.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("orchestrator"),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stats:  newStats(deps.Clock.Now()),
	}, nil
}

// ScrapeURL runs one URL through the pipeline, waiting for a concurrency
// slot first. It never returns an error: failures are results.
func (o *Orchestrator) ScrapeURL(ctx context.Context, rawURL string) crawler.ScrapingResult {
	if !o.begin() {
		return o.notStarted(rawURL, ErrStopped)
	}
	defer o.inflight.Done()
	if err := o.acquire(ctx); err != nil {
		return o.notStarted(rawURL, err)
	}
	defer o.sem.Release(1)
	return o.scrape(ctx, rawURL)
}

// CrawlBatch scrapes urls with at most MaxConcurrent in flight and returns
// results in input order. URLs not started before Stop carry ErrStopped.
func (o *Orchestrator) CrawlBatch(ctx context.Context, urls []string) []crawler.ScrapingResult {
	results := make([]crawler.ScrapingResult, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		if !o.begin() {
			results[i] = o.notStarted(u, ErrStopped)
			continue
		}
		if err := o.acquire(ctx); err != nil {
			o.inflight.Done()
			results[i] = o.notStarted(u, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer o.inflight.Done()
			defer o.sem.Release(1)
			results[i] = o.scrape(ctx, u)
		}()
	}
	wg.Wait()
	return results
}

// Stream scrapes URLs received on in and sends each result to out until in
// is closed, ctx ends or the orchestrator stops. It closes out once every
// started URL has finished.
func (o *Orchestrator) Stream(ctx context.Context, in <-chan string, out chan<- crawler.ScrapingResult) error {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()
	for {
		var (
			u  string
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok = <-in:
			if !ok {
				return nil
			}
		}
		if !o.begin() {
			return ErrStopped
		}
		if err := o.acquire(ctx); err != nil {
			o.inflight.Done()
			if errors.Is(err, ErrStopped) {
				return err
			}
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer o.inflight.Done()
			defer o.sem.Release(1)
			result := o.scrape(ctx, u)
			select {
			case out <- result:
			case <-ctx.Done():
				o.logger.Warn("result dropped", zap.String("url", result.URL), zap.Error(ctx.Err()))
			}
		}()
	}
}

// Detach returns a context for pipeline work that outlives ctx. When ctx
// ends the orchestrator stops taking URLs, and the work context is canceled
// ShutdownTimeout later if URLs are still in flight. Call cancel once the
// work is done.
func (o *Orchestrator) Detach(ctx context.Context) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-work.Done():
			return
		case <-ctx.Done():
		}
		o.Stop()
		timer := time.NewTimer(o.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-work.Done():
		case <-timer.C:
			o.logger.Warn("drain timed out; canceling in-flight scrapes", zap.Duration("timeout", o.cfg.ShutdownTimeout))
			cancel()
		}
	}()
	return work, cancel
}

// Stop refuses any URL that has not started yet. In-flight URLs finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.stopped {
		o.stopped = true
		o.logger.Info("stop requested")
	}
}

// Stopped reports whether Stop has been called.
func (o *Orchestrator) Stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// Shutdown stops, waits for in-flight URLs up to the shutdown timeout,
// persists a final metrics snapshot and always cleans up the sessions.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(drained)
	}()

	var errs []error
	select {
	case <-drained:
	case <-waitCtx.Done():
		o.logger.Warn("shutdown timed out with scrapes in flight", zap.Duration("timeout", o.cfg.ShutdownTimeout))
		errs = append(errs, fmt.Errorf("wait for in-flight scrapes: %w", waitCtx.Err()))
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if err := o.persistSnapshot(cleanupCtx); err != nil {
		errs = append(errs, err)
	}
	if err := o.deps.Sessions.Cleanup(cleanupCtx); err != nil {
		errs = append(errs, fmt.Errorf("cleanup sessions: %w", err))
	}
	return errors.Join(errs...)
}

// RunSnapshots persists a metrics snapshot every SnapshotInterval until ctx
// ends. It returns at once when the interval is zero.
func (o *Orchestrator) RunSnapshots(ctx context.Context) {
	if o.cfg.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.persistSnapshot(ctx); err != nil {
				o.logger.Warn("metrics snapshot failed", zap.Error(err))
			}
		}
	}
}

// Snapshot returns the current counters.
func (o *Orchestrator) Snapshot() crawler.MetricsSnapshot {
	snap := o.stats.snapshot(o.deps.Clock.Now())
	if o.deps.IDs != nil {
		if id, err := o.deps.IDs.NewID(); err == nil {
			snap.ID = id
		}
	}
	return snap
}

func (o *Orchestrator) persistSnapshot(ctx context.Context) error {
	snap := o.Snapshot()
	if err := o.deps.Store.StoreMetrics(ctx, snap); err != nil {
		return fmt.Errorf("store metrics snapshot: %w", err)
	}
	return nil
}

// begin registers a URL as in flight unless stopped.
func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return false
	}
	o.inflight.Add(1)
	return true
}

// acquire takes a concurrency slot and re-checks stop once it has one.
func (o *Orchestrator) acquire(ctx context.Context) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if o.Stopped() {
		o.sem.Release(1)
		return ErrStopped
	}
	return nil
}

func (o *Orchestrator) notStarted(rawURL string, err error) crawler.ScrapingResult {
	return crawler.ScrapingResult{
		URL:          rawURL,
		ErrorKind:    crawler.KindCanceled,
		ErrorMessage: err.Error(),
		Timestamp:    o.deps.Clock.Now(),
	}
}

// scrape is the pipeline for one URL; the caller holds a slot.
func (o *Orchestrator) scrape(ctx context.Context, rawURL string) (result crawler.ScrapingResult) {
	start := o.deps.Clock.Now()
	metrics.IncActiveScrapes()
	defer metrics.DecActiveScrapes()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("scrape panicked", zap.String("url", rawURL), zap.Any("panic", r), zap.Stack("stack"))
			result = o.failure(rawURL, fmt.Errorf("panic: %v", r), 0, start)
			o.finish(result, start)
		}
	}()

	url, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		result = crawler.ScrapingResult{
			URL:          rawURL,
			ErrorKind:    crawler.KindValidation,
			ErrorMessage: err.Error(),
			Timestamp:    start,
		}
		o.finish(result, start)
		return result
	}

	if o.deps.Admission != nil {
		if err := o.deps.Admission.Admit(ctx, url); err != nil {
			o.logger.Info("url refused", zap.String("url", url), zap.Error(err))
			result = crawler.ScrapingResult{
				URL:          url,
				ErrorKind:    crawler.KindValidation,
				ErrorMessage: err.Error(),
				Timestamp:    start,
			}
			o.finish(result, start)
			return result
		}
	}

	if cached := o.cached(ctx, url); cached != nil {
		metrics.ObserveCacheHit()
		o.stats.cacheHit()
		o.finish(*cached, start)
		return *cached
	}

	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.URLBudget)
	defer cancel()

	var lastStatus int
	result, err = retry.Do(budgetCtx, o.deps.Retry, func(ctx context.Context, a retry.Attempt) (crawler.ScrapingResult, error) {
		if a.Number > 0 {
			metrics.ObserveRetry(string(a.LastCategory))
			o.stats.retry()
		}
		return o.attempt(ctx, url, a, start, &lastStatus)
	})
	if err != nil {
		result = o.failure(url, err, lastStatus, start)
	}

	persistCtx := context.WithoutCancel(ctx)
	if storeErr := o.deps.Store.StoreResult(persistCtx, result); storeErr != nil {
		o.logger.Error("persist result failed", zap.String("url", url), zap.Error(storeErr))
	}
	if result.Success {
		o.publish(persistCtx, result)
	}
	o.finish(result, start)
	return result
}

func (o *Orchestrator) cached(ctx context.Context, url string) *crawler.ScrapingResult {
	if o.cfg.CacheMaxAge <= 0 {
		return nil
	}
	cached, err := o.deps.Store.GetCachedResult(ctx, url, o.cfg.CacheMaxAge)
	if err != nil {
		o.logger.Warn("cache lookup failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	if cached == nil {
		return nil
	}
	hit := *cached
	hit.URL = url
	hit.Success = true
	hit.IsFromCache = true
	hit.ExtractionMethod = crawler.MethodCache
	hit.ResponseTimeMs = 0
	return &hit
}

// attempt runs one try: politeness, session, page work, proxy accounting.
func (o *Orchestrator) attempt(
	ctx context.Context,
	url string,
	a retry.Attempt,
	start time.Time,
	lastStatus *int,
) (crawler.ScrapingResult, error) {
	if o.deps.Politeness != nil {
		if err := o.deps.Politeness.Wait(ctx, url); err != nil {
			return crawler.ScrapingResult{}, err
		}
	}

	session, err := o.deps.Sessions.GetContext(ctx, o.cfg.AcquireTimeout)
	if err != nil {
		return crawler.ScrapingResult{}, err
	}
	if a.RecycleContext() {
		o.logger.Debug("retrying on a fresh context",
			zap.String("url", url),
			zap.Int("attempt", a.Number),
			zap.String("session", session.ID()),
			zap.String("previous_category", string(a.LastCategory)),
		)
	}

	visitStart := o.deps.Clock.Now()
	result, err := o.visit(ctx, session, url, a, start, lastStatus)
	o.deps.Sessions.ReturnContext(context.WithoutCancel(ctx), session, recycleAfter(err, a))
	if o.deps.Politeness != nil && !errors.Is(err, context.Canceled) {
		var statusErr *crawler.HTTPStatusError
		o.deps.Politeness.Feedback(url, errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests)
	}

	if o.deps.Identity != nil && !errors.Is(err, context.Canceled) {
		elapsed := o.deps.Clock.Now().Sub(visitStart)
		if perr := o.deps.Identity.RecordProxyOutcome(context.WithoutCancel(ctx), session.Proxy(), err == nil, elapsed); perr != nil {
			o.logger.Warn("proxy health update failed", zap.String("proxy", session.Proxy()), zap.Error(perr))
		}
	}
	return result, err
}

// visit does the page work on a held session. A panic here only costs the
// attempt and the session.
func (o *Orchestrator) visit(
	ctx context.Context,
	page crawler.Session,
	url string,
	a retry.Attempt,
	start time.Time,
	lastStatus *int,
) (result crawler.ScrapingResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("page work panicked", zap.String("url", url), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	defer func() {
		if err != nil && !errors.Is(err, context.Canceled) {
			o.screenshot(ctx, page, url, a.Number)
		}
	}()

	var headers http.Header
	if o.deps.Identity != nil {
		if err := o.deps.Sleep(ctx, o.deps.Identity.HumanDelay()); err != nil {
			return crawler.ScrapingResult{}, err
		}
		headers = o.deps.Identity.RandomHeaders()
	}

	navCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	nav, err := page.Navigate(navCtx, url, headers)
	cancel()
	if err != nil {
		return crawler.ScrapingResult{}, err
	}
	*lastStatus = nav.StatusCode
	if nav.StatusCode >= http.StatusBadRequest {
		return crawler.ScrapingResult{}, &crawler.HTTPStatusError{URL: url, StatusCode: nav.StatusCode}
	}

	o.settle(ctx, page)

	if o.deps.Challenges != nil {
		if challenge := o.deps.Challenges.Detect(ctx, page); challenge != nil {
			solved := o.deps.Challenges.Solve(ctx, page, *challenge)
			metrics.ObserveChallenge(string(challenge.Type), solved)
			if !solved {
				return crawler.ScrapingResult{}, &crawler.CaptchaUnsolvedError{URL: url, Challenge: challenge.Type}
			}
		}
	}

	data, method, err := o.deps.Extractor.Run(ctx, page, crawler.Domain(url))
	if err != nil {
		return crawler.ScrapingResult{}, err
	}
	now := o.deps.Clock.Now()
	return crawler.ScrapingResult{
		URL:              url,
		Success:          true,
		Data:             &data,
		ExtractionMethod: method,
		Timestamp:        now,
		ResponseTimeMs:   now.Sub(start).Milliseconds(),
		StatusCode:       nav.StatusCode,
	}, nil
}

var overlaySelectors = []string{
	"#onetrust-accept-btn-handler",
	".cc-allow",
	".cookie-consent button",
	`button[aria-label="Close"]`,
	".modal .close",
}

// settle behaves like a reader and clears common overlays. Nothing here can
// fail the attempt.
func (o *Orchestrator) settle(ctx context.Context, page crawler.Page) {
	if err := page.Scroll(ctx, 200+rand.IntN(600)); err != nil && !errors.Is(err, crawler.ErrUnsupported) {
		o.logger.Debug("scroll failed", zap.Error(err))
	}
	for range 2 {
		if err := page.MoveMouse(ctx, 100+rand.Float64()*800, 100+rand.Float64()*500); err != nil {
			break
		}
	}
	for _, sel := range overlaySelectors {
		if ctx.Err() != nil {
			return
		}
		if page.Visible(ctx, sel, 200*time.Millisecond) {
			if err := page.Click(ctx, sel); err == nil {
				o.logger.Debug("overlay dismissed", zap.String("selector", sel))
			}
		}
	}
}

func (o *Orchestrator) screenshot(ctx context.Context, page crawler.Page, url string, attempt int) {
	if !o.cfg.ScreenshotOnErr || o.deps.Screenshots == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	png, err := page.Screenshot(ctx)
	if err != nil {
		if !errors.Is(err, crawler.ErrUnsupported) {
			o.logger.Debug("screenshot failed", zap.String("url", url), zap.Error(err))
		}
		return
	}
	path := fmt.Sprintf("%s/%s-%d-%d.png", crawler.Domain(url), sha256.URLKey(url)[:16], o.deps.Clock.Now().Unix(), attempt)
	uri, err := o.deps.Screenshots.PutObject(ctx, path, "image/png", png)
	if err != nil {
		o.logger.Warn("store screenshot failed", zap.String("url", url), zap.Error(err))
		return
	}
	o.logger.Info("error screenshot saved", zap.String("url", url), zap.String("uri", uri))
}

func (o *Orchestrator) publish(ctx context.Context, result crawler.ScrapingResult) {
	if o.deps.Publisher == nil || o.cfg.PublishTopic == "" {
		return
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.PublishTopic, result); err != nil {
		o.logger.Warn("publish result failed", zap.String("url", result.URL), zap.Error(err))
	}
}

func (o *Orchestrator) failure(url string, err error, status int, start time.Time) crawler.ScrapingResult {
	now := o.deps.Clock.Now()
	return crawler.ScrapingResult{
		URL:            url,
		ErrorKind:      crawler.KindOf(err),
		ErrorMessage:   err.Error(),
		Timestamp:      now,
		ResponseTimeMs: now.Sub(start).Milliseconds(),
		StatusCode:     status,
	}
}

func (o *Orchestrator) finish(result crawler.ScrapingResult, start time.Time) {
	outcome := "failure"
	switch {
	case result.IsFromCache:
		outcome = "cache_hit"
	case result.Success:
		outcome = "success"
	}
	elapsed := o.deps.Clock.Now().Sub(start)
	metrics.ObserveScrape(result.URL, outcome, string(result.ExtractionMethod), elapsed)
	o.stats.record(result)

	fields := []zap.Field{
		zap.String("url", result.URL),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
	}
	if result.Success {
		o.logger.Info("scrape finished", append(fields, zap.String("method", string(result.ExtractionMethod)))...)
		return
	}
	o.logger.Warn("scrape failed", append(fields, zap.String("kind", string(result.ErrorKind)), zap.String("error", result.ErrorMessage))...)
}

// needsRecycle reports whether a session that saw err should be replaced.
// Pages that loaded but held no event data keep their session.
// recycleAfter decides whether the session used by attempt a is recycled.
// A retry that fails again discards its session whatever the failure was.
func recycleAfter(err error, a retry.Attempt) bool {
	if err != nil && a.RecycleContext() && !errors.Is(err, context.Canceled) {
		return true
	}
	return needsRecycle(err)
}

func needsRecycle(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch crawler.KindOf(err) {
	case crawler.KindValidation:
		return false
	case crawler.KindHTTPStatus:
		var statusErr *crawler.HTTPStatusError
		return errors.As(err, &statusErr) && statusErr.ProxySuspect()
	}
	return true
}
