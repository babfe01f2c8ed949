// Package admission decides whether a normalized URL may be crawled at all,
// before any session is acquired.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Sentinel reasons a URL is refused.
var (
	ErrBlockedDomain = errors.New("domain is blocklisted")
	ErrRobots        = errors.New("disallowed by robots.txt")
)

// Config selects the admission checks.
type Config struct {
	BlockedDomains []string
	RespectRobots  bool
	UserAgent      string
	RobotsTimeout  time.Duration
}

// Policy combines the domain blocklist with optional robots.txt checks.
type Policy struct {
	blocklist *Blocklist
	robots    *Robots
}

// New builds a Policy. It returns nil when no check is enabled; a nil
// Policy admits everything.
func New(cfg Config, logger *zap.Logger) *Policy {
	p := &Policy{blocklist: NewBlocklist(cfg.BlockedDomains)}
	if cfg.RespectRobots {
		timeout := cfg.RobotsTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		p.robots = NewRobots(&http.Client{Timeout: timeout}, cfg.UserAgent, logger)
	}
	if p.blocklist == nil && p.robots == nil {
		return nil
	}
	return p
}

// Admit returns nil when rawURL may be crawled, otherwise an error wrapping
// ErrBlockedDomain or ErrRobots.
func (p *Policy) Admit(ctx context.Context, rawURL string) error {
	if p == nil {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if p.blocklist.Blocked(parsed.Hostname()) {
		return fmt.Errorf("%s: %w", parsed.Hostname(), ErrBlockedDomain)
	}
	if p.robots != nil && !p.robots.Allowed(ctx, rawURL) {
		return fmt.Errorf("%s: %w", parsed.EscapedPath(), ErrRobots)
	}
	return nil
}
