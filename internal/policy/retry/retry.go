// Package retry runs operations under categorized exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/clock/system"
	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// Category groups failures that share a backoff schedule.
type Category string

const (
	CategoryRateLimit  Category = "rate_limit"
	CategoryTimeout    Category = "timeout"
	CategoryConnection Category = "connection"
	CategoryCaptcha    Category = "captcha"
	CategoryDefault    Category = "default"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryRateLimit, CategoryTimeout, CategoryConnection, CategoryCaptcha, CategoryDefault}

// Backoff parameterizes one category.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	// Jitter is the fraction of the delay added or removed at random.
	Jitter float64
}

// Config controls the engine.
type Config struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	Backoffs   map[Category]Backoff
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Backoffs: map[Category]Backoff{
			CategoryRateLimit:  {Base: 5 * time.Second, Multiplier: 2, Cap: time.Minute, Jitter: 0.3},
			CategoryTimeout:    {Base: 2 * time.Second, Multiplier: 1.5, Cap: 30 * time.Second, Jitter: 0.2},
			CategoryConnection: {Base: time.Second, Multiplier: 2, Cap: 30 * time.Second, Jitter: 0.2},
			CategoryCaptcha:    {Base: 10 * time.Second, Multiplier: 2, Cap: 2 * time.Minute, Jitter: 0.1},
			CategoryDefault:    {Base: time.Second, Multiplier: 2, Cap: 30 * time.Second, Jitter: 0.25},
		},
	}
}

// Attempt describes the attempt an operation is running as.
type Attempt struct {
	// Number is zero for the first attempt.
	Number int
	// LastErr and LastCategory describe the failure that caused this retry.
	LastErr      error
	LastCategory Category
}

// RecycleContext reports whether the caller should discard the browser
// context it used last time instead of reusing it.
func (a Attempt) RecycleContext() bool {
	return a.Number > 0
}

// Engine computes delays and drives retries. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSleep replaces the context-aware sleep, typically with a manual clock.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithJitterSource replaces the uniform [0,1) source used for jitter.
func WithJitterSource(src func() float64) Option {
	return func(e *Engine) {
		if src != nil {
			e.jitter = src
		}
	}
}

// New builds an engine. Categories missing from cfg fall back to defaults.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	backoffs := make(map[Category]Backoff, len(Categories))
	for _, c := range Categories {
		b, ok := cfg.Backoffs[c]
		if !ok || b.Base <= 0 {
			b = defaults.Backoffs[c]
		}
		if b.Multiplier < 1 {
			b.Multiplier = 1
		}
		if b.Cap < b.Base {
			b.Cap = b.Base
		}
		b.Jitter = math.Max(0, math.Min(1, b.Jitter))
		backoffs[c] = b
	}
	cfg.Backoffs = backoffs
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		sleep:  system.Sleep,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxRetries returns the configured number of retries.
func (e *Engine) MaxRetries() int {
	return e.cfg.MaxRetries
}

// Classify maps an error onto a backoff category.
func (e *Engine) Classify(err error) Category {
	var statusErr *crawler.HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return CategoryRateLimit
		}
		return CategoryDefault
	}
	var captchaErr *crawler.CaptchaUnsolvedError
	if errors.As(err, &captchaErr) {
		return CategoryCaptcha
	}
	var timeoutErr *crawler.TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	var networkErr *crawler.NetworkError
	if errors.As(err, &networkErr) || netErr != nil {
		return CategoryConnection
	}
	return CategoryDefault
}

// Retryable reports whether err may be retried at all.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var validationErr *crawler.ValidationError
	return !errors.As(err, &validationErr)
}

// BaseDelay is the pre-jitter delay before retry number attempt (zero based):
// min(base * multiplier^attempt, cap).
func (e *Engine) BaseDelay(c Category, attempt int) time.Duration {
	b := e.backoff(c)
	delay := float64(b.Base) * math.Pow(b.Multiplier, float64(max(attempt, 0)))
	if delay > float64(b.Cap) || math.IsInf(delay, 1) {
		return b.Cap
	}
	return time.Duration(delay)
}

// Delay applies jitter to BaseDelay. The result is never negative.
func (e *Engine) Delay(c Category, attempt int) time.Duration {
	base := e.BaseDelay(c, attempt)
	b := e.backoff(c)
	offset := b.Jitter * float64(base) * (2*e.jitter() - 1)
	return max(0, base+time.Duration(offset))
}

func (e *Engine) backoff(c Category) Backoff {
	if b, ok := e.cfg.Backoffs[c]; ok {
		return b
	}
	return e.cfg.Backoffs[CategoryDefault]
}

// Do runs op until it succeeds, fails terminally, or exhausts the retry
// budget, returning the last error. Waits between attempts stop early when
// ctx is done.
func Do[T any](ctx context.Context, e *Engine, op func(context.Context, Attempt) (T, error)) (T, error) {
	var zero T
	attempt := Attempt{}
	for {
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if !Retryable(err) || attempt.Number >= e.cfg.MaxRetries {
			return zero, err
		}
		category := e.Classify(err)
		delay := e.Delay(category, attempt.Number)
		e.logger.Debug("retrying after failure",
			zap.Int("attempt", attempt.Number+1),
			zap.String("category", string(category)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return zero, err
		}
		attempt = Attempt{Number: attempt.Number + 1, LastErr: err, LastCategory: category}
	}
}
