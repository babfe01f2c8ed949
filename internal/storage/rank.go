package storage

import (
	"sort"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// RankSelectorPatterns orders patterns best first: smoothed success ratio,
// then raw success count, then most recently used.
func RankSelectorPatterns(patterns []crawler.SelectorPattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		a, b := patterns[i], patterns[j]
		if ra, rb := a.SuccessRatio(), b.SuccessRatio(); ra != rb {
			return ra > rb
		}
		if a.SuccessCount != b.SuccessCount {
			return a.SuccessCount > b.SuccessCount
		}
		return a.LastUsed.After(b.LastUsed)
	})
}

// RankProxies orders proxies best first: smoothed success ratio, then least
// recently used. Never-used proxies sort ahead of used ones on a tie.
func RankProxies(proxies []crawler.ProxyHealth) {
	sort.SliceStable(proxies, func(i, j int) bool {
		a, b := proxies[i], proxies[j]
		if ra, rb := a.SuccessRatio(), b.SuccessRatio(); ra != rb {
			return ra > rb
		}
		return a.LastUsed.Before(b.LastUsed)
	})
}
