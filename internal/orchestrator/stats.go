package orchestrator

import (
	"maps"
	"sync"
	"time"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// stats accumulates the counters behind MetricsSnapshot.
type stats struct {
	mu                  sync.Mutex
	startedAt           time.Time
	processed           int64
	successful          int64
	failed              int64
	cacheHits           int64
	retries             int64
	totalResponseTimeMs int64
	byMethod            map[crawler.ExtractionMethod]int64
}

func newStats(startedAt time.Time) *stats {
	return &stats{startedAt: startedAt, byMethod: map[crawler.ExtractionMethod]int64{}}
}

func (s *stats) record(r crawler.ScrapingResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.totalResponseTimeMs += r.ResponseTimeMs
	if !r.Success {
		s.failed++
		return
	}
	s.successful++
	s.byMethod[r.ExtractionMethod]++
}

func (s *stats) cacheHit() {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
}

func (s *stats) retry() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

func (s *stats) snapshot(now time.Time) crawler.MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crawler.MetricsSnapshot{
		TakenAt:             now,
		StartedAt:           s.startedAt,
		Processed:           s.processed,
		Successful:          s.successful,
		Failed:              s.failed,
		CacheHits:           s.cacheHits,
		Retries:             s.retries,
		TotalResponseTimeMs: s.totalResponseTimeMs,
		ByMethod:            maps.Clone(s.byMethod),
	}
}
