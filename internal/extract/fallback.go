package extract

import (
	"context"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/fetcher/dom"
)

// Fallback guesses from meta tags, headings and the largest text block.
type Fallback struct {
	// MaxBlockLength caps the description block.
	MaxBlockLength int
}

// Name implements Layer.
func (Fallback) Name() crawler.ExtractionMethod { return crawler.MethodFallback }

// Extract implements Layer.
func (f Fallback) Extract(_ context.Context, in Input) (crawler.EventData, error) {
	doc := in.Doc
	data := crawler.EventData{
		Title: firstNonEmpty(
			metaContent(doc, `meta[property="og:title"]`, `meta[name="twitter:title"]`),
			dom.CollapseSpace(doc.Find("h1").First().Text()),
			dom.CollapseSpace(doc.Find("title").First().Text()),
		),
		Description: firstNonEmpty(
			metaContent(doc, `meta[property="og:description"]`, `meta[name="description"]`),
			f.largestBlock(doc),
		),
		ImageURL: metaContent(doc, `meta[property="og:image"]`),
	}
	if start := firstNonEmpty(
		metaContent(doc, `meta[property="event:start_time"]`, `meta[itemprop="startDate"]`),
		doc.Find("time[datetime]").First().AttrOr("datetime", ""),
		dom.CollapseSpace(doc.Find("time").First().Text()),
	); start != "" {
		data.StartDate = NormalizeDate(start)
	}
	if data.IsZero() {
		return data, errNoEvent
	}
	return data, nil
}

func (f Fallback) largestBlock(doc *goquery.Document) string {
	limit := f.MaxBlockLength
	if limit <= 0 {
		limit = 2000
	}
	var best string
	doc.Find("article p, main p, p, [class*=description], [class*=content]").Each(func(_ int, s *goquery.Selection) {
		if s.Closest("nav, footer, header, aside, script, style").Length() > 0 {
			return
		}
		t := dom.CollapseSpace(s.Text())
		if n := utf8.RuneCountInString(t); n <= limit && n > utf8.RuneCountInString(best) {
			best = t
		}
	})
	return best
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := dom.CollapseSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
