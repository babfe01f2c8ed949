package admission

import (
	"slices"
	"strings"
)

// Blocklist matches hosts against exact names and suffix wildcards.
// Entries of the form "*.example.org" or ".example.org" match the domain
// itself and every subdomain.
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewBlocklist parses patterns. It returns nil when no pattern survives
// trimming, and a nil Blocklist blocks nothing.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[strings.TrimPrefix(value, "www.")] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix != "" && !slices.Contains(b.suffixes, suffix) {
		b.suffixes = append(b.suffixes, suffix)
	}
}

// Blocked reports whether host matches any entry. A leading "www." is
// ignored for exact entries, matching how domains are keyed elsewhere.
func (b *Blocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[strings.TrimPrefix(host, "www.")]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
