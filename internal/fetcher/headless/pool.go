// Package headless provides the browser-backed session provider: a fixed
// set of browser processes and a bounded queue of stealth-configured
// contexts.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/fingerprint"
	"github.com/JakeFAU/event-crawler/internal/metrics"
)

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, proxy string) (Browser, error)
}

// Browser is one browser process.
type Browser interface {
	NewContext(ctx context.Context, profile fingerprint.Profile) (Context, error)
	Alive() bool
	Close() error
}

// Context is an isolated browsing context inside a Browser.
type Context interface {
	crawler.Page
	// Reset clears cookies and storage so the context can be reused.
	Reset(ctx context.Context) error
	Close() error
}

// ProfileSource produces the identity applied to each new context.
type ProfileSource interface {
	NewProfile() fingerprint.Profile
}

// ProxyPicker supplies the proxy each browser process is launched with.
type ProxyPicker interface {
	NextProxy(ctx context.Context) string
}

// Config sizes the pool.
type Config struct {
	// Size is the number of browser processes and queued contexts.
	Size int
}

// Pool implements crawler.SessionProvider over browser contexts.
type Pool struct {
	cfg      Config
	launcher Launcher
	profiles ProfileSource
	proxies  ProxyPicker
	ids      crawler.IDGenerator
	logger   *zap.Logger

	ready chan *session

	// relaunch serializes re-initialization so a dead pool is relaunched
	// by one caller while the others wait for its contexts.
	relaunch sync.Mutex

	mu       sync.Mutex
	browsers []*browserHandle
	out      map[string]*session
	closed   bool
	seq      int
}

type browserHandle struct {
	Browser
	proxy string
}

// session is a checked-out context. It is owned by exactly one goroutine
// between GetContext and ReturnContext.
type session struct {
	Context
	id       string
	browser  *browserHandle
	overflow bool
}

func (s *session) ID() string    { return s.id }
func (s *session) Proxy() string { return s.browser.proxy }

// NewPool builds an uninitialized pool. proxies and ids may be nil.
func NewPool(cfg Config, launcher Launcher, profiles ProfileSource, proxies ProxyPicker, ids crawler.IDGenerator, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		profiles: profiles,
		proxies:  proxies,
		ids:      ids,
		logger:   logger.Named("pool"),
		ready:    make(chan *session, cfg.Size),
		out:      make(map[string]*session),
	}
}

// Initialize launches the browser processes, each with one queued context.
// It fails only when no browser could be started.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("pool is closed")
	}
	p.mu.Unlock()

	launched := 0
	var lastErr error
	for range p.cfg.Size {
		proxy := ""
		if p.proxies != nil {
			proxy = p.proxies.NextProxy(ctx)
		}
		b, err := p.launcher.Launch(ctx, proxy)
		if err != nil {
			lastErr = err
			p.logger.Warn("browser launch failed", zap.String("proxy", proxy), zap.Error(err))
			continue
		}
		handle := &browserHandle{Browser: b, proxy: proxy}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = b.Close()
			return errors.New("pool is closed")
		}
		p.browsers = append(p.browsers, handle)
		p.mu.Unlock()

		s, err := p.newSession(ctx, handle, "initial")
		if err != nil {
			lastErr = err
			p.logger.Warn("initial context failed", zap.Error(err))
			continue
		}
		if !p.enqueue(s) {
			p.discard(s)
			continue
		}
		launched++
	}
	if launched == 0 {
		return &crawler.ResourceExhaustionError{Resource: "browser pool", Err: lastErr}
	}
	p.logger.Info("browser pool ready", zap.Int("contexts", launched), zap.Int("size", p.cfg.Size))
	return nil
}

// GetContext dequeues an idle context, waiting at most timeout. On timeout
// it creates an overflow context on a live browser. When every browser is
// dead the pool is re-initialized once before giving up.
func (p *Pool) GetContext(ctx context.Context, timeout time.Duration) (crawler.Session, error) {
	s, err := p.dequeue(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return p.checkout(s), nil
	}

	if s := p.overflow(ctx); s != nil {
		return s, nil
	}

	if p.liveBrowser() == nil {
		if err := p.reinitialize(ctx); err != nil {
			p.logger.Error("pool re-initialization failed", zap.Error(err))
			return nil, &crawler.ResourceExhaustionError{Resource: "browser pool", Err: err}
		}
		s, err := p.dequeue(ctx, timeout)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return p.checkout(s), nil
		}
		if s := p.overflow(ctx); s != nil {
			return s, nil
		}
	}
	return nil, &crawler.ResourceExhaustionError{Resource: "browser pool", Err: fmt.Errorf("no context within %s", timeout)}
}

// overflow creates a context beyond the queue on any live browser.
func (p *Pool) overflow(ctx context.Context) *session {
	b := p.liveBrowser()
	if b == nil {
		return nil
	}
	s, err := p.newSession(ctx, b, "overflow")
	if err != nil {
		p.logger.Warn("overflow context failed", zap.Error(err))
		return nil
	}
	s.overflow = true
	return p.checkout(s)
}

func (p *Pool) dequeue(ctx context.Context, timeout time.Duration) (*session, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case s := <-p.ready:
			metrics.SetPoolIdleContexts(len(p.ready))
			if s.browser.Alive() {
				return s, nil
			}
			p.discard(s)
			if p.liveBrowser() == nil {
				return nil, nil
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for browser context: %w", ctx.Err())
		}
	}
}

func (p *Pool) checkout(s *session) *session {
	p.mu.Lock()
	p.out[s.id] = s
	p.mu.Unlock()
	return s
}

// ReturnContext hands a session back. Recycled or orphaned contexts are
// closed and, while their browser lives, replaced; clean ones are reset and
// re-queued. Contexts that do not fit in the queue are closed.
func (p *Pool) ReturnContext(ctx context.Context, cs crawler.Session, needsRecycle bool) {
	s, ok := cs.(*session)
	if !ok || s == nil {
		return
	}
	p.mu.Lock()
	_, tracked := p.out[s.id]
	delete(p.out, s.id)
	closed := p.closed
	p.mu.Unlock()
	if !tracked {
		return
	}
	if closed {
		p.discard(s)
		return
	}

	if !needsRecycle && s.browser.Alive() {
		err := s.Reset(ctx)
		if err == nil {
			if !p.enqueue(s) {
				p.discard(s)
			}
			return
		}
		p.logger.Debug("context reset failed; recycling", zap.String("session", s.id), zap.Error(err))
	}

	p.discard(s)
	if s.overflow || !s.browser.Alive() {
		return
	}
	fresh, err := p.newSession(ctx, s.browser, "recycle")
	if err != nil {
		p.logger.Warn("replacement context failed", zap.Error(err))
		return
	}
	if !p.enqueue(fresh) {
		p.discard(fresh)
	}
}

// Cleanup closes every context and then every browser. It is idempotent.
func (p *Pool) Cleanup(context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	outstanding := make([]*session, 0, len(p.out))
	for id, s := range p.out {
		outstanding = append(outstanding, s)
		delete(p.out, id)
	}
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range outstanding {
		errs = append(errs, s.Close())
	}
	for done := false; !done; {
		select {
		case s := <-p.ready:
			errs = append(errs, s.Close())
		default:
			done = true
		}
	}
	for _, b := range browsers {
		errs = append(errs, b.Close())
	}
	metrics.SetPoolIdleContexts(0)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pool cleanup: %w", err)
	}
	return nil
}

// Idle reports the number of queued contexts.
func (p *Pool) Idle() int {
	return len(p.ready)
}

// reinitialize replaces a pool whose browsers have all died. Callers that
// queued behind the one doing the relaunch find live browsers and return.
func (p *Pool) reinitialize(ctx context.Context) error {
	p.relaunch.Lock()
	defer p.relaunch.Unlock()
	if p.liveBrowser() != nil {
		return nil
	}
	p.logger.Warn("no live browsers; re-initializing pool")

	p.mu.Lock()
	dead := p.browsers
	p.browsers = nil
	p.mu.Unlock()
	for drained := false; !drained; {
		select {
		case s := <-p.ready:
			p.discard(s)
		default:
			drained = true
		}
	}
	for _, b := range dead {
		if err := b.Close(); err != nil {
			p.logger.Debug("close dead browser", zap.Error(err))
		}
	}
	return p.Initialize(ctx)
}

func (p *Pool) liveBrowser() *browserHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.browsers {
		if b.Alive() {
			return b
		}
	}
	return nil
}

func (p *Pool) newSession(ctx context.Context, b *browserHandle, reason string) (*session, error) {
	var profile fingerprint.Profile
	if p.profiles != nil {
		profile = p.profiles.NewProfile()
	}
	c, err := b.NewContext(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	id, err := p.nextID()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	metrics.ObservePoolContextCreated(reason)
	return &session{Context: c, id: id, browser: b}, nil
}

func (p *Pool) nextID() (string, error) {
	if p.ids != nil {
		id, err := p.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("session id: %w", err)
		}
		return id, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("ctx-%d", p.seq), nil
}

// enqueue queues s unless the pool is closed or full. It holds p.mu so a
// concurrent Cleanup either drains s or makes enqueue refuse it.
func (p *Pool) enqueue(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.ready <- s:
		metrics.SetPoolIdleContexts(len(p.ready))
		return true
	default:
		return false
	}
}

func (p *Pool) discard(s *session) {
	if err := s.Close(); err != nil {
		p.logger.Debug("close context", zap.String("session", s.id), zap.Error(err))
	}
}
