package selector

import "github.com/JakeFAU/event-crawler/internal/crawler"

// FieldSpec describes how to recognize one field's element on an unknown page.
type FieldSpec struct {
	Field string
	// Tags are candidate element names, most preferred first.
	Tags []string
	// Hints are substrings looked for in class, id, itemprop, property and name.
	Hints []string
	// Keywords are substrings looked for in the element text.
	Keywords []string
	MinLen   int
	MaxLen   int
	// TrustTags accepts a tag match with no hint or keyword support.
	TrustTags bool
}

// DefaultSpecs covers the learned event fields.
var DefaultSpecs = []FieldSpec{
	{
		Field:     crawler.FieldTitle,
		Tags:      []string{"h1", "h2", "meta"},
		Hints:     []string{"title", "event-name", "headline", "og:title", "name"},
		MinLen:    3,
		MaxLen:    200,
		TrustTags: true,
	},
	{
		Field:    crawler.FieldDate,
		Tags:     []string{"time", "span", "div", "p", "meta", "li"},
		Hints:    []string{"date", "time", "when", "schedule", "startdate"},
		Keywords: []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec", "pm", "am", "2026", "2027"},
		MinLen:   4,
		MaxLen:   80,
	},
	{
		Field:    crawler.FieldVenueName,
		Tags:     []string{"span", "div", "a", "p", "h3", "h4", "strong"},
		Hints:    []string{"venue", "location", "place", "where"},
		Keywords: []string{"hall", "theatre", "theater", "arena", "club", "center", "centre", "stadium", "park"},
		MinLen:   3,
		MaxLen:   120,
	},
	{
		Field:    crawler.FieldVenueAddress,
		Tags:     []string{"address", "span", "div", "p"},
		Hints:    []string{"address", "street", "locality", "postal"},
		Keywords: []string{"street", "st.", "avenue", "ave", "road", "rd.", "blvd", "suite"},
		MinLen:   6,
		MaxLen:   200,
	},
	{
		Field:    crawler.FieldDescription,
		Tags:     []string{"div", "p", "section", "article", "meta"},
		Hints:    []string{"description", "summary", "about", "details", "og:description", "content"},
		Keywords: []string{"join", "featuring", "experience", "tickets", "live"},
		MinLen:   20,
		MaxLen:   5000,
	},
	{
		Field:    crawler.FieldPrice,
		Tags:     []string{"span", "div", "p", "strong", "meta"},
		Hints:    []string{"price", "cost", "ticket", "fee"},
		Keywords: []string{"$", "€", "£", "free", "usd", "eur"},
		MinLen:   1,
		MaxLen:   60,
	},
}
