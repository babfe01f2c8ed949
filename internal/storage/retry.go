// Package storage holds the pieces shared by the persistent store backends:
// the retry-on-busy write wrapper and the ranking rules for learned
// selectors and proxies.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/event-crawler/internal/clock/system"
	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// BusyPolicy retries writes that failed on lock contention.
type BusyPolicy struct {
	Attempts int
	Backoff  time.Duration
	IsBusy   func(error) bool
	Sleep    func(ctx context.Context, d time.Duration) error
}

// DefaultBusyPolicy makes three attempts starting at 100ms and doubling.
func DefaultBusyPolicy(isBusy func(error) bool) BusyPolicy {
	return BusyPolicy{Attempts: 3, Backoff: 100 * time.Millisecond, IsBusy: isBusy}
}

// Do runs fn until it succeeds, fails with a non-busy error, or runs out of
// attempts. Failures are returned as *crawler.StorageError.
func (p BusyPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = system.Sleep
	}
	backoff := p.Backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.IsBusy == nil || !p.IsBusy(err) || attempt == attempts {
			break
		}
		if serr := sleep(ctx, backoff); serr != nil {
			err = fmt.Errorf("%w (gave up waiting: %v)", err, serr)
			break
		}
		backoff *= 2
	}
	return &crawler.StorageError{Op: op, Err: err}
}
