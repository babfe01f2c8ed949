// Package dom implements a static, goquery-backed crawler.Page.
package dom

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// Document is a parsed HTML page. Interactions that need a rendering engine
// are either no-ops (scrolling, mouse movement) or return
// crawler.ErrUnsupported. It is safe for concurrent reads.
type Document struct {
	mu   sync.RWMutex
	url  string
	html string
	doc  *goquery.Document
}

// Parse builds a Document for html served from pageURL.
func Parse(pageURL, html string) (*Document, error) {
	d := &Document{}
	if err := d.Load(pageURL, html); err != nil {
		return nil, err
	}
	return d, nil
}

// Load replaces the document contents.
func (d *Document) Load(pageURL, html string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	d.mu.Lock()
	d.url, d.html, d.doc = pageURL, html, doc
	d.mu.Unlock()
	return nil
}

// Reset drops the loaded page.
func (d *Document) Reset() {
	d.mu.Lock()
	d.url, d.html, d.doc = "", "", nil
	d.mu.Unlock()
}

// Navigate is not supported on a bare document; transports embed Document
// and provide their own.
func (d *Document) Navigate(context.Context, string, http.Header) (crawler.Navigation, error) {
	return crawler.Navigation{}, crawler.ErrUnsupported
}

// URL returns the address the document was loaded from.
func (d *Document) URL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.url
}

// HTML returns the raw markup.
func (d *Document) HTML(context.Context) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.html, nil
}

// Visible reports whether selector matches an element that would render.
// The timeout is irrelevant for a static document.
func (d *Document) Visible(_ context.Context, selector string, _ time.Duration) bool {
	sel, ok := d.find(selector)
	if !ok {
		return false
	}
	visible := false
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if rendered(s) {
			visible = true
			return false
		}
		return true
	})
	return visible
}

// Text returns the whitespace-collapsed text of the first match.
func (d *Document) Text(_ context.Context, selector string) (string, error) {
	sel, ok := d.find(selector)
	if !ok {
		return "", fmt.Errorf("text %q: %w", selector, crawler.ErrElementNotFound)
	}
	return CollapseSpace(sel.First().Text()), nil
}

// Attr returns an attribute of the first match.
func (d *Document) Attr(_ context.Context, selector, name string) (string, error) {
	sel, ok := d.find(selector)
	if !ok {
		return "", fmt.Errorf("attr %q: %w", selector, crawler.ErrElementNotFound)
	}
	v, exists := sel.First().Attr(name)
	if !exists {
		return "", fmt.Errorf("attr %q on %q: %w", name, selector, crawler.ErrElementNotFound)
	}
	return strings.TrimSpace(v), nil
}

// Click is unsupported.
func (d *Document) Click(context.Context, string) error { return crawler.ErrUnsupported }

// Scroll is a no-op.
func (d *Document) Scroll(context.Context, int) error { return nil }

// MoveMouse is a no-op.
func (d *Document) MoveMouse(context.Context, float64, float64) error { return nil }

// Evaluate is unsupported.
func (d *Document) Evaluate(context.Context, string, any) error { return crawler.ErrUnsupported }

// Screenshot is unsupported.
func (d *Document) Screenshot(context.Context) ([]byte, error) { return nil, crawler.ErrUnsupported }

func (d *Document) find(selector string) (sel *goquery.Selection, ok bool) {
	d.mu.RLock()
	doc := d.doc
	d.mu.RUnlock()
	if doc == nil {
		return nil, false
	}
	// goquery panics on selectors cascadia cannot compile.
	defer func() {
		if recover() != nil {
			sel, ok = nil, false
		}
	}()
	sel = doc.Find(selector)
	return sel, sel.Length() > 0
}

var nonRendered = map[string]struct{}{
	"head": {}, "meta": {}, "script": {}, "style": {}, "template": {}, "noscript": {}, "title": {}, "link": {},
}

func rendered(s *goquery.Selection) bool {
	if _, skip := nonRendered[goquery.NodeName(s)]; skip {
		return false
	}
	if t, _ := s.Attr("type"); goquery.NodeName(s) == "input" && strings.EqualFold(t, "hidden") {
		return false
	}
	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		if goquery.NodeName(cur) == "head" {
			return false
		}
		if _, hidden := cur.Attr("hidden"); hidden {
			return false
		}
		if v, _ := cur.Attr("aria-hidden"); v == "true" {
			return false
		}
		style, _ := cur.Attr("style")
		style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

// CollapseSpace trims s and folds runs of whitespace into single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
