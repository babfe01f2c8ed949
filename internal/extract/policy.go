package extract

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// Policy decides whether a layer's output is good enough to stop the cascade.
type Policy struct {
	MinTitleLength       int
	MinDescriptionLength int
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{MinTitleLength: 3, MinDescriptionLength: 20}
}

// Sufficient requires a title plus at least one of a parseable date, a
// venue or address, or a description.
func (p Policy) Sufficient(d crawler.EventData) bool {
	minTitle := max(p.MinTitleLength, 1)
	if utf8.RuneCountInString(strings.TrimSpace(d.Title)) < minTitle {
		return false
	}
	if _, ok := ParseDate(d.StartDate); ok {
		return true
	}
	if strings.TrimSpace(d.VenueName) != "" || strings.TrimSpace(d.VenueAddress) != "" {
		return true
	}
	desc := utf8.RuneCountInString(strings.TrimSpace(d.Description))
	return desc > 0 && desc >= p.MinDescriptionLength
}

// ParseDate parses the loose date formats event pages use. Dates without a
// zone are read as UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NormalizeDate renders a parseable date as RFC 3339 and leaves anything
// else untouched.
func NormalizeDate(s string) string {
	t, ok := ParseDate(s)
	if !ok {
		return strings.TrimSpace(s)
	}
	return t.Format(time.RFC3339)
}

// best returns the first sufficient candidate, or the first one when none
// is. candidates must not be empty.
func (p Policy) best(candidates []crawler.EventData) crawler.EventData {
	for _, c := range candidates {
		if p.Sufficient(c) {
			return c
		}
	}
	return candidates[0]
}
