// Package collyfetcher implements crawler.SessionProvider over plain HTTP
// using gocolly. Pages are static: no JavaScript runs.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/fetcher/dom"
)

// ProxyPicker supplies the egress proxy for a new session; "" means direct.
type ProxyPicker interface {
	NextProxy(ctx context.Context) string
}

// Config controls collector behavior.
type Config struct {
	// MaxSessions bounds concurrently checked-out sessions. Zero means 8.
	MaxSessions int
	Timeout     time.Duration
}

// Provider hands out HTTP sessions, each with its own transport and cookie jar.
type Provider struct {
	cfg     Config
	proxies ProxyPicker
	ids     crawler.IDGenerator
	logger  *zap.Logger

	slots chan struct{}

	mu     sync.Mutex
	closed bool
	live   map[string]*Session
}

// New builds a Provider. proxies may be nil.
func New(cfg Config, proxies ProxyPicker, ids crawler.IDGenerator, logger *zap.Logger) *Provider {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:     cfg,
		proxies: proxies,
		ids:     ids,
		logger:  logger.Named("http"),
		slots:   make(chan struct{}, cfg.MaxSessions),
		live:    make(map[string]*Session),
	}
}

// GetContext checks out a fresh session, waiting up to timeout for a slot.
func (p *Provider) GetContext(ctx context.Context, timeout time.Duration) (crawler.Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, &crawler.ResourceExhaustionError{Resource: "http sessions", Err: errors.New("provider closed")}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case p.slots <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wait for http session: %w", ctx.Err())
		}
		return nil, &crawler.ResourceExhaustionError{Resource: "http sessions", Err: waitCtx.Err()}
	}

	session, err := p.newSession(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.mu.Lock()
	p.live[session.id] = session
	p.mu.Unlock()
	return session, nil
}

// ReturnContext releases the session's slot. HTTP sessions are never reused,
// so needsRecycle only affects logging.
func (p *Provider) ReturnContext(_ context.Context, s crawler.Session, needsRecycle bool) {
	session, ok := s.(*Session)
	if !ok || session == nil {
		return
	}
	p.mu.Lock()
	_, tracked := p.live[session.id]
	delete(p.live, session.id)
	p.mu.Unlock()
	if !tracked {
		return
	}
	session.close()
	<-p.slots
	if needsRecycle {
		p.logger.Debug("discarded http session", zap.String("session", session.id), zap.String("proxy", session.proxy))
	}
}

// Cleanup closes every outstanding session. It is idempotent.
func (p *Provider) Cleanup(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for id, s := range p.live {
		s.close()
		delete(p.live, id)
	}
	return nil
}

func (p *Provider) newSession(ctx context.Context) (*Session, error) {
	id := ""
	if p.ids != nil {
		var err error
		if id, err = p.ids.NewID(); err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
	}
	proxy := ""
	if p.proxies != nil {
		proxy = p.proxies.NextProxy(ctx)
	}
	transport, err := newHTTPTransport(proxy)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.WithTransport(transport)
	c.SetCookieJar(jar)
	c.SetRequestTimeout(p.cfg.Timeout)
	if id == "" {
		id = fmt.Sprintf("http-%p", c)
	}
	return &Session{
		Document:  &dom.Document{},
		id:        id,
		proxy:     proxy,
		collector: c,
		transport: transport,
	}, nil
}

// Session is one HTTP browsing identity.
type Session struct {
	*dom.Document

	id        string
	proxy     string
	collector *colly.Collector
	transport *http.Transport
}

// ID identifies the session.
func (s *Session) ID() string { return s.id }

// Proxy returns the proxy the session egresses through.
func (s *Session) Proxy() string { return s.proxy }

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type fetchResult struct {
	url     string
	status  int
	headers http.Header
	body    []byte
}

// Navigate fetches rawURL and loads the body into the session's document.
func (s *Session) Navigate(ctx context.Context, rawURL string, headers http.Header) (crawler.Navigation, error) {
	collector := s.collector.Clone()
	var (
		result   fetchResult
		fetchErr error
	)
	configureCollectorHooks(collector, headers, &result, &fetchErr)
	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return crawler.Navigation{}, classify(rawURL, err)
	}
	if result.url == "" {
		result.url = rawURL
	}
	if err := s.Document.Load(result.url, string(result.body)); err != nil {
		return crawler.Navigation{}, err
	}
	nav := crawler.Navigation{FinalURL: result.url, StatusCode: result.status, Headers: map[string]string{}}
	for k := range result.headers {
		nav.Headers[k] = result.headers.Get(k)
	}
	return nav, nil
}

func (s *Session) close() {
	s.Document.Reset()
	s.transport.CloseIdleConnections()
}

func configureCollectorHooks(hooks collectorHooks, headers http.Header, result *fetchResult, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = fetchResult{
			url:    r.Request.URL.String(),
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			result.headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func classify(rawURL string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &crawler.TimeoutError{URL: rawURL, Op: "navigate", Err: err}
	}
	return &crawler.NetworkError{URL: rawURL, Err: err}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(proxy string) (*http.Transport, error) {
	proxyFunc := http.ProxyFromEnvironment
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		proxyFunc = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}
