package crawler

import (
	"context"
	"net/http"
	"time"
)

// Store persists cached results, selector statistics, proxy health and
// metrics snapshots. Implementations serialize writes and retry on
// contention.
type Store interface {
	GetCachedResult(ctx context.Context, url string, maxAge time.Duration) (*ScrapingResult, error)
	StoreResult(ctx context.Context, result ScrapingResult) error
	UpdateSelectorPatternStats(ctx context.Context, domain, elementType, selector string, success bool) error
	GetLearnedSelectors(ctx context.Context, domain, elementType string, limit int) ([]SelectorPattern, error)
	UpdateProxyHealth(ctx context.Context, proxyURL string, success bool, responseTime time.Duration) error
	GetActiveProxies(ctx context.Context, limit int) ([]ProxyHealth, error)
	RegisterProxies(ctx context.Context, proxyURLs []string) error
	ListProxies(ctx context.Context) ([]ProxyHealth, error)
	StoreMetrics(ctx context.Context, snapshot MetricsSnapshot) error
	Close() error
}

// Page is a loaded document that can be inspected and driven.
type Page interface {
	Navigate(ctx context.Context, url string, headers http.Header) (Navigation, error)
	URL() string
	HTML(ctx context.Context) (string, error)
	Visible(ctx context.Context, selector string, timeout time.Duration) bool
	Text(ctx context.Context, selector string) (string, error)
	Attr(ctx context.Context, selector, name string) (string, error)
	Click(ctx context.Context, selector string) error
	Scroll(ctx context.Context, deltaY int) error
	MoveMouse(ctx context.Context, x, y float64) error
	Evaluate(ctx context.Context, expression string, out any) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// Session is a page exclusively held by one task between GetContext and
// ReturnContext.
type Session interface {
	Page
	ID() string
	Proxy() string
}

// SessionProvider hands out sessions for one transport.
type SessionProvider interface {
	GetContext(ctx context.Context, timeout time.Duration) (Session, error)
	ReturnContext(ctx context.Context, session Session, needsRecycle bool)
	Cleanup(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes results to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes stable digests for keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
