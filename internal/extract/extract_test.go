package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/fetcher/dom"
	"github.com/JakeFAU/event-crawler/internal/selector"
	"github.com/JakeFAU/event-crawler/internal/storage/memory"
)

const jsonLDBlock = `<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
  {"@type":"WebPage","name":"Listing"},
  {"@type":["MusicEvent"],"name":"JSON-LD Jazz Night","startDate":"2026-10-24T20:00:00-05:00",
   "endDate":"2026-10-24T23:00:00-05:00","description":"Live jazz.",
   "image":[{"@type":"ImageObject","url":"https://cdn.example.com/jazz.jpg"}],
   "location":{"@type":"Place","name":"Blue Room","address":{"@type":"PostalAddress",
     "streetAddress":"123 Main St","addressLocality":"Springfield","addressCountry":{"@type":"Country","name":"US"}},
     "geo":{"@type":"GeoCoordinates","latitude":"39.78","longitude":-89.65}},
   "offers":[{"@type":"Offer","price":25,"priceCurrency":"USD","url":"https://tix.example.com/1"}],
   "performer":[{"@type":"MusicGroup","name":"House Trio"},"Guest Singer"],
   "organizer":{"@type":"Organization","name":"Blue Room Presents"}}
]}
</script>`

const microdataBlock = `<div itemscope itemtype="https://schema.org/Event">
  <h2 itemprop="name">Microdata Jazz Night</h2>
  <time itemprop="startDate" datetime="2026-10-24T20:00:00">Oct 24</time>
  <div itemprop="location" itemscope itemtype="https://schema.org/Place">
    <span itemprop="name">Blue Room</span>
    <div itemprop="address" itemscope itemtype="https://schema.org/PostalAddress">
      <span itemprop="streetAddress">123 Main St</span>
      <span itemprop="addressLocality">Springfield</span>
    </div>
    <div itemprop="geo" itemscope itemtype="https://schema.org/GeoCoordinates">
      <meta itemprop="latitude" content="39.78"><meta itemprop="longitude" content="-89.65">
    </div>
  </div>
  <div itemprop="offers" itemscope itemtype="https://schema.org/Offer">
    <meta itemprop="priceCurrency" content="USD"><span itemprop="price">25.00</span>
    <a itemprop="url" href="https://tix.example.com/1">Tickets</a>
  </div>
  <div itemprop="performer" itemscope itemtype="https://schema.org/Person"><span itemprop="name">House Trio</span></div>
  <p itemprop="description">An evening of live jazz.</p>
</div>`

const adaptiveBlock = `<h1 class="event-title">Adaptive Jazz Night</h1>
<div class="event-date">Oct 24, 2026 8:00 PM</div>
<span class="venue-name">Blue Room Hall</span>`

func input(t *testing.T, body string) Input {
	t.Helper()
	html := "<html><head><title>Page Title</title></head><body>" + body + "</body></html>"
	page, err := dom.Parse("https://venue.example.com/e/1", html)
	require.NoError(t, err)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return Input{Page: page, Doc: doc, Domain: "venue.example.com"}
}

func TestJSONLDExtract(t *testing.T) {
	t.Parallel()
	data, err := JSONLD{}.Extract(context.Background(), input(t, jsonLDBlock))
	require.NoError(t, err)

	assert.Equal(t, "JSON-LD Jazz Night", data.Title)
	assert.Equal(t, "2026-10-24T20:00:00-05:00", data.StartDate)
	assert.Equal(t, "2026-10-24T23:00:00-05:00", data.EndDate)
	assert.Equal(t, "Blue Room", data.VenueName)
	assert.Equal(t, "123 Main St, Springfield, US", data.VenueAddress)
	require.NotNil(t, data.GeoLatitude)
	require.NotNil(t, data.GeoLongitude)
	assert.InDelta(t, 39.78, *data.GeoLatitude, 1e-9)
	assert.InDelta(t, -89.65, *data.GeoLongitude, 1e-9)
	assert.Equal(t, "25", data.Price)
	assert.Equal(t, "USD", data.PriceCurrency)
	assert.Equal(t, "https://tix.example.com/1", data.TicketURL)
	assert.Equal(t, "https://cdn.example.com/jazz.jpg", data.ImageURL)
	assert.Equal(t, []crawler.Performer{{Name: "House Trio"}, {Name: "Guest Singer"}}, data.Performers)
	assert.Equal(t, "Blue Room Presents", data.OrganizerName)
}

func TestJSONLDNoEvent(t *testing.T) {
	t.Parallel()
	_, err := JSONLD{}.Extract(context.Background(), input(t, `<script type="application/ld+json">{"@type":"Organization","name":"x"}</script>`))
	assert.ErrorIs(t, err, errNoEvent)

	_, err = JSONLD{}.Extract(context.Background(), input(t, `<script type="application/ld+json">{not json</script>`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode ld+json")
}

func TestJSONLDSkipsBrokenBlocks(t *testing.T) {
	t.Parallel()
	body := `<script type="application/ld+json">{broken</script>
<script type="application/ld+json">[{"@type":"https://schema.org/TheaterEvent","name":"Hamlet","location":"Globe"}]</script>`
	data, err := JSONLD{}.Extract(context.Background(), input(t, body))
	require.NoError(t, err)
	assert.Equal(t, "Hamlet", data.Title)
	assert.Equal(t, "Globe", data.VenueName)
}

func TestJSONLDPrefersSufficientEventAcrossBlocks(t *testing.T) {
	t.Parallel()
	body := `<script type="application/ld+json">{"@type":"Event","name":"TBA"}</script>
<script type="application/ld+json">{"@graph":[{"@type":"WebPage","name":"Calendar"},
  {"@type":"ComedyEvent","name":"Late Laughs","startDate":"Oct 31, 2026 9:30 PM","endDate":"2026-10-31"}]}</script>`
	data, err := JSONLD{Policy: DefaultPolicy()}.Extract(context.Background(), input(t, body))
	require.NoError(t, err)
	assert.Equal(t, "Late Laughs", data.Title)
	assert.Equal(t, "2026-10-31T21:30:00Z", data.StartDate)
	assert.Equal(t, "2026-10-31T00:00:00Z", data.EndDate)

	data, err = JSONLD{Policy: DefaultPolicy()}.Extract(context.Background(), input(t,
		`<script type="application/ld+json">[{"@type":"Event","name":"TBA"},{"@type":"Event","name":"Also TBA"}]</script>`))
	require.NoError(t, err)
	assert.Equal(t, "TBA", data.Title, "without a sufficient node the first event is returned")
}

func TestMicrodataPrefersSufficientItem(t *testing.T) {
	t.Parallel()
	body := `<div itemscope itemtype="https://schema.org/Event"><span itemprop="name">Soon</span></div>` + microdataBlock
	data, err := Microdata{Policy: DefaultPolicy()}.Extract(context.Background(), input(t, body))
	require.NoError(t, err)
	assert.Equal(t, "Microdata Jazz Night", data.Title)
}

func TestMicrodataExtract(t *testing.T) {
	t.Parallel()
	data, err := Microdata{}.Extract(context.Background(), input(t, microdataBlock))
	require.NoError(t, err)

	assert.Equal(t, "Microdata Jazz Night", data.Title)
	assert.Equal(t, "2026-10-24T20:00:00Z", data.StartDate, "zone-less dates are read as UTC")
	assert.Equal(t, "Blue Room", data.VenueName, "nested place name must not leak into the event name")
	assert.Equal(t, "123 Main St, Springfield", data.VenueAddress)
	require.NotNil(t, data.GeoLatitude)
	assert.InDelta(t, 39.78, *data.GeoLatitude, 1e-9)
	assert.Equal(t, "25.00", data.Price)
	assert.Equal(t, "USD", data.PriceCurrency)
	assert.Equal(t, "https://tix.example.com/1", data.TicketURL)
	assert.Equal(t, []crawler.Performer{{Name: "House Trio"}}, data.Performers)
	assert.Equal(t, "An evening of live jazz.", data.Description)

	_, err = Microdata{}.Extract(context.Background(), input(t, `<div itemscope itemtype="https://schema.org/Product"></div>`))
	assert.ErrorIs(t, err, errNoEvent)
}

func TestFallbackExtract(t *testing.T) {
	t.Parallel()
	body := `<nav><p>` + strings.Repeat("menu item ", 40) + `</p></nav>
<h1>Harvest Fair</h1>
<time datetime="2026-09-12">Sept 12</time>
<article><p>Short.</p><p>A full day of local food, crafts and music for the whole family.</p></article>`
	data, err := Fallback{}.Extract(context.Background(), input(t, body))
	require.NoError(t, err)
	assert.Equal(t, "Harvest Fair", data.Title)
	assert.Equal(t, "2026-09-12T00:00:00Z", data.StartDate)
	assert.Equal(t, "A full day of local food, crafts and music for the whole family.", data.Description)
}

func TestFallbackPrefersMeta(t *testing.T) {
	t.Parallel()
	in := input(t, `<h1>Heading</h1>`)
	in.Doc.Find("head").AppendHtml(`<meta property="og:title" content="OG Title"><meta name="description" content="Meta description text.">`)
	data, err := Fallback{}.Extract(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "OG Title", data.Title)
	assert.Equal(t, "Meta description text.", data.Description)
}

func TestPolicySufficient(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	cases := []struct {
		name string
		data crawler.EventData
		want bool
	}{
		{"empty", crawler.EventData{}, false},
		{"title only", crawler.EventData{Title: "Jazz Night"}, false},
		{"short title", crawler.EventData{Title: "Hi", VenueName: "Blue Room"}, false},
		{"title and date", crawler.EventData{Title: "Jazz Night", StartDate: "Oct 24, 2026"}, true},
		{"unparseable date", crawler.EventData{Title: "Jazz Night", StartDate: "soon-ish"}, false},
		{"title and address", crawler.EventData{Title: "Jazz Night", VenueAddress: "123 Main St"}, true},
		{"short description", crawler.EventData{Title: "Jazz Night", Description: "Jazz."}, false},
		{"long description", crawler.EventData{Title: "Jazz Night", Description: "An evening of live jazz with friends."}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, p.Sufficient(tc.data))
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "2026-10-24T20:00:00Z", NormalizeDate("Oct 24, 2026 8:00 PM"))
	assert.Equal(t, "whenever", NormalizeDate(" whenever "))
}

func newCascade(t *testing.T) *Cascade {
	t.Helper()
	learner := selector.New(selector.Config{Seed: 1}, memory.NewStore(nil), nil)
	return NewDefault(DefaultPolicy(), learner, nil)
}

func runCascade(t *testing.T, body string) (crawler.EventData, crawler.ExtractionMethod, error) {
	t.Helper()
	in := input(t, body)
	return newCascade(t).Run(context.Background(), in.Page, in.Domain)
}

func TestCascadePrecedence(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		body   string
		method crawler.ExtractionMethod
		title  string
	}{
		{"json-ld wins over microdata", jsonLDBlock + microdataBlock + adaptiveBlock, crawler.MethodJSONLD, "JSON-LD Jazz Night"},
		{
			"insufficient json-ld falls to microdata",
			`<script type="application/ld+json">{"@type":"Event","name":"No details"}</script>` + microdataBlock,
			crawler.MethodMicrodata, "Microdata Jazz Night",
		},
		{"adaptive without structured data", adaptiveBlock, crawler.MethodAdaptive, "Adaptive Jazz Night"},
		{
			"fallback last",
			`<h1>Fair</h1><h1>Harvest Fair Day</h1><article><p>A full day of local food and crafts for everyone.</p></article>`,
			crawler.MethodFallback, "Fair",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data, method, err := runCascade(t, tc.body)
			require.NoError(t, err)
			assert.Equal(t, tc.method, method)
			assert.Equal(t, tc.title, data.Title)
		})
	}
}

func TestCascadeExhausted(t *testing.T) {
	t.Parallel()
	_, method, err := runCascade(t, `<div>nothing here</div>`)
	assert.Empty(t, method)
	var verr *crawler.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []crawler.ExtractionMethod{
		crawler.MethodJSONLD, crawler.MethodMicrodata, crawler.MethodAdaptive, crawler.MethodFallback,
	}, verr.Attempted)
	assert.Equal(t, crawler.KindValidation, crawler.KindOf(err))
}
