// Package ratelimit spaces requests per domain with token buckets whose rate
// adapts to the site's responses.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

const (
	// throttleFactor divides a domain's rate after it answers 429.
	throttleFactor = 2
	// relaxFactor multiplies it back after each clean visit.
	relaxFactor = 1.25
	// floorDivisor bounds throttling at DefaultRPS/floorDivisor.
	floorDivisor = 16
)

// Config holds rate limiter configuration. A non-positive DefaultRPS
// disables limiting and adaptation.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// OnDelay, when set, is told about every wait longer than a millisecond.
	OnDelay func(domain string, waited time.Duration)
}

// Limiter holds one bucket per domain.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	base    rate.Limit
	floor   rate.Limit
	burst   int
	onDelay func(domain string, waited time.Duration)
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	base := rate.Inf
	if cfg.DefaultRPS > 0 {
		base = rate.Limit(cfg.DefaultRPS)
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		base:    base,
		floor:   base / floorDivisor,
		burst:   max(cfg.DefaultBurst, 1),
		onDelay: cfg.OnDelay,
	}
}

// Wait blocks until the URL's domain has a token or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := domainOf(rawURL)
	bucket := l.bucket(domain)

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait for %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.onDelay != nil {
		l.onDelay(domain, waited)
	}
	return nil
}

// Feedback adapts the domain's rate: a throttled response halves it down to
// a floor, a clean one moves it back toward the configured rate.
func (l *Limiter) Feedback(rawURL string, throttled bool) {
	if l.base == rate.Inf {
		return
	}
	bucket := l.bucket(domainOf(rawURL))
	current := bucket.Limit()
	next := current
	if throttled {
		next = max(current/throttleFactor, l.floor)
	} else {
		next = min(current*relaxFactor, l.base)
	}
	if next != current {
		bucket.SetLimit(next)
	}
}

// Rate reports the current rate of the URL's domain.
func (l *Limiter) Rate(rawURL string) float64 {
	return float64(l.bucket(domainOf(rawURL)).Limit())
}

// Domains reports how many domains currently hold a bucket.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[domain]
	if !ok {
		b = rate.NewLimiter(l.base, l.burst)
		l.buckets[domain] = b
	}
	return b
}

func domainOf(rawURL string) string {
	if d := crawler.Domain(rawURL); d != "" {
		return d
	}
	return "unknown"
}
