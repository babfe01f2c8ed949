package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/event-crawler/internal/clock/system"
	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/hash/sha256"
	"github.com/JakeFAU/event-crawler/internal/storage"
)

type resultRow struct {
	result      crawler.ScrapingResult
	hasSuccess  bool
	lastScraped time.Time
	lastError   string
	failures    int64
}

// Store implements crawler.Store with mutex-guarded maps.
type Store struct {
	mu        sync.RWMutex
	clock     crawler.Clock
	results   map[string]*resultRow
	patterns  map[string]*crawler.SelectorPattern
	proxies   map[string]*crawler.ProxyHealth
	snapshots []crawler.MetricsSnapshot
}

// NewStore creates an empty Store. A nil clock uses UTC wall time.
func NewStore(clock crawler.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		clock:    clock,
		results:  make(map[string]*resultRow),
		patterns: make(map[string]*crawler.SelectorPattern),
		proxies:  make(map[string]*crawler.ProxyHealth),
	}
}

// GetCachedResult returns the last successful result if it is younger than maxAge.
func (s *Store) GetCachedResult(_ context.Context, url string, maxAge time.Duration) (*crawler.ScrapingResult, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.results[sha256.URLKey(url)]
	if !ok || !row.hasSuccess || s.clock.Now().Sub(row.lastScraped) > maxAge {
		return nil, nil
	}
	cached := row.result
	cached.IsFromCache = true
	cached.ExtractionMethod = crawler.MethodCache
	cached.Timestamp = row.lastScraped
	if row.result.Data != nil {
		data := *row.result.Data
		cached.Data = &data
	}
	return &cached, nil
}

// StoreResult upserts by URL hash. Failures never clobber the last successful data.
func (s *Store) StoreResult(_ context.Context, result crawler.ScrapingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sha256.URLKey(result.URL)
	row, ok := s.results[key]
	if !ok {
		row = &resultRow{}
		s.results[key] = row
	}
	if result.Success {
		row.result = result
		row.hasSuccess = true
		row.lastScraped = result.Timestamp
		row.lastError = ""
		return nil
	}
	row.failures++
	row.lastError = result.ErrorMessage
	if !row.hasSuccess {
		row.result = result
	}
	return nil
}

// UpdateSelectorPatternStats increments the success or failure counter of one pattern.
func (s *Store) UpdateSelectorPatternStats(_ context.Context, domain, elementType, selector string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sha256.PatternKey(domain, elementType, selector)
	p, ok := s.patterns[key]
	if !ok {
		p = &crawler.SelectorPattern{Domain: domain, ElementType: elementType, Selector: selector}
		s.patterns[key] = p
	}
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.LastUsed = s.clock.Now()
	return nil
}

// GetLearnedSelectors returns the best patterns with at least one success.
func (s *Store) GetLearnedSelectors(_ context.Context, domain, elementType string, limit int) ([]crawler.SelectorPattern, error) {
	s.mu.RLock()
	var out []crawler.SelectorPattern
	for _, p := range s.patterns {
		if p.Domain != domain || p.SuccessCount == 0 {
			continue
		}
		if elementType != "" && p.ElementType != elementType {
			continue
		}
		out = append(out, *p)
	}
	s.mu.RUnlock()
	storage.RankSelectorPatterns(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateProxyHealth records one request outcome for proxyURL.
func (s *Store) UpdateProxyHealth(_ context.Context, proxyURL string, success bool, responseTime time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[proxyURL]
	if !ok {
		p = &crawler.ProxyHealth{ProxyURL: proxyURL, IsActive: true}
		s.proxies[proxyURL] = p
	}
	now := s.clock.Now()
	p.RequestCount++
	p.TotalResponseTimeMs += responseTime.Milliseconds()
	p.LastUsed = now
	if success {
		p.SuccessCount++
		p.ConsecutiveFailures = 0
		p.IsActive = true
		return nil
	}
	p.FailureCount++
	p.ConsecutiveFailures++
	p.LastFailed = now
	if p.ConsecutiveFailures >= crawler.MaxConsecutiveProxyFailures {
		p.IsActive = false
	}
	return nil
}

// GetActiveProxies returns active proxies, best first.
func (s *Store) GetActiveProxies(_ context.Context, limit int) ([]crawler.ProxyHealth, error) {
	s.mu.RLock()
	var out []crawler.ProxyHealth
	for _, p := range s.proxies {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	s.mu.RUnlock()
	storage.RankProxies(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RegisterProxies adds unknown proxies as active with no history.
func (s *Store) RegisterProxies(_ context.Context, proxyURLs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range proxyURLs {
		if _, ok := s.proxies[u]; !ok {
			s.proxies[u] = &crawler.ProxyHealth{ProxyURL: u, IsActive: true}
		}
	}
	return nil
}

// ListProxies returns every known proxy, best first.
func (s *Store) ListProxies(_ context.Context) ([]crawler.ProxyHealth, error) {
	s.mu.RLock()
	out := make([]crawler.ProxyHealth, 0, len(s.proxies))
	for _, p := range s.proxies {
		out = append(out, *p)
	}
	s.mu.RUnlock()
	storage.RankProxies(out)
	return out, nil
}

// StoreMetrics appends a snapshot.
func (s *Store) StoreMetrics(_ context.Context, snapshot crawler.MetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// Snapshots returns the stored metrics snapshots.
func (s *Store) Snapshots() []crawler.MetricsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.MetricsSnapshot(nil), s.snapshots...)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
