package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/fingerprint"
)

// LauncherConfig controls how Chrome is started.
type LauncherConfig struct {
	Headless  bool
	ExecPath  string
	NoSandbox bool
}

// ChromeLauncher starts Chrome processes through chromedp.
type ChromeLauncher struct {
	cfg    LauncherConfig
	logger *zap.Logger
}

// NewChromeLauncher builds a launcher.
func NewChromeLauncher(cfg LauncherConfig, logger *zap.Logger) *ChromeLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeLauncher{cfg: cfg, logger: logger.Named("chrome")}
}

func (l *ChromeLauncher) allocatorOptions(proxy string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

// Launch starts one browser process routed through proxy ("" for direct).
func (l *ChromeLauncher) Launch(ctx context.Context, proxy string) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(proxy)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := ctx.Err(); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	// The first Run allocates the process; it must not see a derived
	// context or the browser dies with it.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	l.logger.Debug("chrome started", zap.String("proxy", proxy))
	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
	}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger

	closeOnce sync.Once
}

// Alive reports whether the browser process is still usable.
func (b *chromeBrowser) Alive() bool {
	return b.ctx.Err() == nil
}

// NewContext opens an isolated browser context configured for profile.
func (b *chromeBrowser) NewContext(ctx context.Context, profile fingerprint.Profile) (Context, error) {
	if !b.Alive() {
		return nil, errors.New("browser is not running")
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	c := &chromeContext{ctx: tabCtx, cancel: tabCancel, meta: newResponseMeta(), userAgent: profile.UserAgent}
	chromedp.ListenTarget(tabCtx, c.meta.captureEvent)

	tasks, err := stealthActions(profile)
	if err != nil {
		tabCancel()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		tabCancel()
		return nil, fmt.Errorf("configure context: %w", err)
	}
	if err := chromedp.Run(tabCtx, tasks); err != nil {
		tabCancel()
		return nil, fmt.Errorf("configure context: %w", err)
	}
	return c, nil
}

func (b *chromeBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.allocCancel()
	})
	return nil
}

// chromeContext is one tab in its own browser context.
type chromeContext struct {
	ctx       context.Context
	cancel    context.CancelFunc
	meta      *responseMeta
	userAgent string

	mu  sync.RWMutex
	url string
}

// run executes actions on the tab, bounded by the caller's context.
func (c *chromeContext) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

func (c *chromeContext) Navigate(ctx context.Context, rawURL string, headers http.Header) (crawler.Navigation, error) {
	c.meta.reset()
	extra := headers.Clone()
	extra.Del("User-Agent")
	var finalURL string
	actions := []chromedp.Action{}
	if len(extra) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(toNetworkHeaders(extra)))
	}
	actions = append(actions,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)
	if err := c.run(ctx, actions...); err != nil {
		return crawler.Navigation{}, classifyNavigationError(rawURL, err)
	}

	status, respHeaders, _ := c.meta.snapshotWithFallbacks(rawURL, finalURL)
	if finalURL == "" {
		finalURL = rawURL
	}
	c.mu.Lock()
	c.url = finalURL
	c.mu.Unlock()

	nav := crawler.Navigation{FinalURL: finalURL, StatusCode: status, Headers: map[string]string{}}
	for k := range respHeaders {
		nav.Headers[k] = respHeaders.Get(k)
	}
	return nav, nil
}

func (c *chromeContext) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

func (c *chromeContext) HTML(ctx context.Context) (string, error) {
	var html string
	if err := c.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (c *chromeContext) Visible(ctx context.Context, selector string, timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)) == nil
}

func (c *chromeContext) Text(ctx context.Context, selector string) (string, error) {
	return c.queryString(ctx, selector, "el.innerText")
}

func (c *chromeContext) Attr(ctx context.Context, selector, name string) (string, error) {
	quoted, err := json.Marshal(name)
	if err != nil {
		return "", fmt.Errorf("quote attribute: %w", err)
	}
	return c.queryString(ctx, selector, "el.getAttribute("+string(quoted)+")")
}

func (c *chromeContext) queryString(ctx context.Context, selector, expr string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("quote selector: %w", err)
	}
	script := fmt.Sprintf(`(() => {
  let el = null;
  try { el = document.querySelector(%s); } catch (e) { return null; }
  if (!el) return null;
  const v = %s;
  return v == null ? null : String(v);
})()`, quoted, expr)
	var out *string
	if err := c.run(ctx, chromedp.Evaluate(script, &out)); err != nil {
		return "", fmt.Errorf("query %q: %w", selector, err)
	}
	if out == nil {
		return "", fmt.Errorf("query %q: %w", selector, crawler.ErrElementNotFound)
	}
	return strings.Join(strings.Fields(*out), " "), nil
}

func (c *chromeContext) Click(ctx context.Context, selector string) error {
	if err := c.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (c *chromeContext) Scroll(ctx context.Context, deltaY int) error {
	action := input.DispatchMouseEvent(input.MouseWheel, 200, 200).WithDeltaX(0).WithDeltaY(float64(deltaY))
	if err := c.run(ctx, action); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (c *chromeContext) MoveMouse(ctx context.Context, x, y float64) error {
	if err := c.run(ctx, input.DispatchMouseEvent(input.MouseMoved, x, y)); err != nil {
		return fmt.Errorf("move mouse: %w", err)
	}
	return nil
}

func (c *chromeContext) Evaluate(ctx context.Context, expression string, out any) error {
	if err := c.run(ctx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (c *chromeContext) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// Reset clears cookies and web storage, then parks the tab on about:blank.
func (c *chromeContext) Reset(ctx context.Context) error {
	var ok bool
	err := c.run(ctx,
		network.ClearBrowserCookies(),
		chromedp.Evaluate(storageResetScript, &ok),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		return fmt.Errorf("reset context: %w", err)
	}
	c.mu.Lock()
	c.url = ""
	c.mu.Unlock()
	return nil
}

func (c *chromeContext) Close() error {
	c.cancel()
	return nil
}

func classifyNavigationError(rawURL string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &crawler.TimeoutError{URL: rawURL, Op: "navigate", Err: err}
	case strings.Contains(err.Error(), "net::ERR_TIMED_OUT"):
		return &crawler.TimeoutError{URL: rawURL, Op: "navigate", Err: err}
	case strings.Contains(err.Error(), "net::ERR_"):
		return &crawler.NetworkError{URL: rawURL, Err: err}
	default:
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.headers, m.url = 0, http.Header{}, ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
