package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitSpacesSameDomain(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var delayed []string
	l := New(Config{
		DefaultRPS:   10,
		DefaultBurst: 1,
		OnDelay: func(domain string, _ time.Duration) {
			mu.Lock()
			delayed = append(delayed, domain)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.venue.example.com/e/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://venue.example.com/e/2"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://tickets.example.org/e/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "other domains are not held back")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"venue.example.com"}, delayed)
	assert.Equal(t, 2, l.Domains())
}

func TestDisabledLimiter(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for range 50 {
		require.NoError(t, l.Wait(context.Background(), "https://venue.example.com/e"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	l.Feedback("https://venue.example.com/e", true)
	require.NoError(t, l.Wait(context.Background(), "https://venue.example.com/e"))
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorContains(t, l.Wait(ctx, "https://slow.example.com"), "slow.example.com")
}

func TestFeedbackAdaptsRate(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 4, DefaultBurst: 1})
	const url = "https://venue.example.com/e/1"

	l.Feedback(url, true)
	assert.InDelta(t, 2, l.Rate(url), 1e-9)
	for range 10 {
		l.Feedback(url, true)
	}
	assert.InDelta(t, 0.25, l.Rate(url), 1e-9, "throttling stops at the floor")
	assert.InDelta(t, 4, l.Rate("https://tickets.example.org/"), 1e-9)

	for range 20 {
		l.Feedback(url, false)
	}
	assert.InDelta(t, 4, l.Rate(url), 1e-9, "recovery stops at the configured rate")
}
