package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/fetcher/dom"
)

// Microdata reads schema.org Event items declared with itemscope/itemprop.
type Microdata struct {
	Policy Policy
}

// Name implements Layer.
func (Microdata) Name() crawler.ExtractionMethod { return crawler.MethodMicrodata }

// Extract implements Layer. Like JSONLD it prefers the first sufficient
// Event item on the page.
func (l Microdata) Extract(_ context.Context, in Input) (crawler.EventData, error) {
	var candidates []crawler.EventData
	in.Doc.Find("[itemscope][itemtype]").Each(func(_ int, s *goquery.Selection) {
		for _, typ := range strings.Fields(s.AttrOr("itemtype", "")) {
			if isEventType(typ) {
				candidates = append(candidates, microdataEvent(s))
				return
			}
		}
	})
	if len(candidates) == 0 {
		return crawler.EventData{}, errNoEvent
	}
	return l.Policy.best(candidates), nil
}

func microdataEvent(scope *goquery.Selection) crawler.EventData {
	data := crawler.EventData{
		Title:       propValue(scope, "name"),
		StartDate:   NormalizeDate(propValue(scope, "startDate")),
		EndDate:     NormalizeDate(propValue(scope, "endDate")),
		Description: propValue(scope, "description"),
		ImageURL:    propValue(scope, "image"),
	}

	if loc := prop(scope, "location"); loc.Length() > 0 {
		if isScope(loc) {
			data.VenueName = propValue(loc, "name")
			if addr := prop(loc, "address"); addr.Length() > 0 {
				if isScope(addr) {
					var parts []string
					for _, key := range []string{"streetAddress", "addressLocality", "addressRegion", "postalCode", "addressCountry"} {
						if v := propValue(addr, key); v != "" {
							parts = append(parts, v)
						}
					}
					data.VenueAddress = strings.Join(parts, ", ")
				} else {
					data.VenueAddress = itemValue(addr)
				}
			}
			if geo := prop(loc, "geo"); geo.Length() > 0 {
				data.GeoLatitude = number(propValue(geo, "latitude"))
				data.GeoLongitude = number(propValue(geo, "longitude"))
			}
		} else {
			data.VenueName = itemValue(loc)
		}
	}

	if offer := prop(scope, "offers"); offer.Length() > 0 {
		data.Price = propValue(offer, "price")
		if data.Price == "" {
			data.Price = propValue(offer, "lowPrice")
		}
		data.PriceCurrency = propValue(offer, "priceCurrency")
		data.TicketURL = propValue(offer, "url")
	}

	props(scope, "performer").Each(func(_ int, p *goquery.Selection) {
		name := itemValue(p)
		if isScope(p) {
			name = propValue(p, "name")
		}
		if name != "" {
			data.Performers = append(data.Performers, crawler.Performer{Name: name})
		}
	})
	if org := prop(scope, "organizer"); org.Length() > 0 {
		data.OrganizerName = itemValue(org)
		if isScope(org) {
			data.OrganizerName = propValue(org, "name")
		}
	}
	return data
}

func isScope(s *goquery.Selection) bool {
	_, ok := s.Attr("itemscope")
	return ok
}

// props returns the itemprop elements owned by scope, skipping those that
// belong to nested items.
func props(scope *goquery.Selection, name string) *goquery.Selection {
	return scope.Find("[itemprop]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		if !hasToken(s.AttrOr("itemprop", ""), name) {
			return false
		}
		owner := s.Parent().Closest("[itemscope]")
		return owner.Length() > 0 && owner.Get(0) == scope.Get(0)
	})
}

func prop(scope *goquery.Selection, name string) *goquery.Selection {
	return props(scope, name).First()
}

func propValue(scope *goquery.Selection, name string) string {
	p := prop(scope, name)
	if p.Length() == 0 {
		return ""
	}
	return itemValue(p)
}

// itemValue follows the microdata value rules for the element kind.
func itemValue(s *goquery.Selection) string {
	if v, ok := s.Attr("content"); ok {
		return dom.CollapseSpace(v)
	}
	switch goquery.NodeName(s) {
	case "time":
		if v, ok := s.Attr("datetime"); ok {
			return strings.TrimSpace(v)
		}
	case "img", "audio", "video", "source", "iframe", "embed":
		return strings.TrimSpace(s.AttrOr("src", ""))
	case "a", "link", "area":
		return strings.TrimSpace(s.AttrOr("href", ""))
	case "data", "meter":
		return strings.TrimSpace(s.AttrOr("value", ""))
	}
	return dom.CollapseSpace(s.Text())
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if f == token {
			return true
		}
	}
	return false
}
