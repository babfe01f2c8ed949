// Package sha256 derives the stable keys used by the persistent store.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// keySeparator cannot appear in a URL, a field name or a CSS selector.
const keySeparator = "\x1f"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return sum(data), nil
}

// URLKey is the cache key of a URL.
func URLKey(url string) string {
	return sum([]byte(url))
}

// PatternKey is the key of a (domain, element type, selector) triple.
func PatternKey(domain, elementType, selector string) string {
	return sum([]byte(strings.Join([]string{domain, elementType, selector}, keySeparator)))
}

func sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}
