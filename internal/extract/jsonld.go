package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/fetcher/dom"
)

// JSONLD reads schema.org Event objects from ld+json script blocks.
type JSONLD struct {
	Policy Policy
}

// Name implements Layer.
func (JSONLD) Name() crawler.ExtractionMethod { return crawler.MethodJSONLD }

// Extract implements Layer. Every Event node on the page is considered in
// document order; the first sufficient one wins, else the first found.
func (l JSONLD) Extract(_ context.Context, in Input) (crawler.EventData, error) {
	var lastErr error
	var nodes []map[string]any
	in.Doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var raw any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &raw); err != nil {
			lastErr = fmt.Errorf("decode ld+json: %w", err)
			return
		}
		nodes = collectEvents(raw, nodes)
	})
	if len(nodes) == 0 {
		if lastErr != nil {
			return crawler.EventData{}, lastErr
		}
		return crawler.EventData{}, errNoEvent
	}
	candidates := make([]crawler.EventData, 0, len(nodes))
	for _, node := range nodes {
		candidates = append(candidates, eventFromJSONLD(node))
	}
	return l.Policy.best(candidates), nil
}

var errNoEvent = errors.New("no event markup")

func collectEvents(v any, out []map[string]any) []map[string]any {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			out = collectEvents(item, out)
		}
	case map[string]any:
		if isEventType(node["@type"]) {
			return append(out, node)
		}
		if graph, ok := node["@graph"]; ok {
			return collectEvents(graph, out)
		}
		// Pages listing events often wrap them in an ItemList.
		if items, ok := node["itemListElement"]; ok {
			return collectEvents(items, out)
		}
		if item, ok := node["item"].(map[string]any); ok {
			return collectEvents(item, out)
		}
	}
	return out
}

// isEventType accepts Event and its subtypes such as MusicEvent.
func isEventType(t any) bool {
	switch v := t.(type) {
	case string:
		name := v[strings.LastIndexAny(v, "/:")+1:]
		return strings.HasSuffix(name, "Event")
	case []any:
		for _, item := range v {
			if isEventType(item) {
				return true
			}
		}
	}
	return false
}

func eventFromJSONLD(node map[string]any) crawler.EventData {
	data := crawler.EventData{
		Title:       text(node["name"]),
		StartDate:   NormalizeDate(text(node["startDate"])),
		EndDate:     NormalizeDate(text(node["endDate"])),
		Description: text(node["description"]),
		ImageURL:    imageURL(node["image"]),
	}
	if data.Title == "" {
		data.Title = text(node["headline"])
	}

	switch loc := first(node["location"]).(type) {
	case string:
		data.VenueName = dom.CollapseSpace(loc)
	case map[string]any:
		data.VenueName = text(loc["name"])
		data.VenueAddress = address(loc["address"])
		if geo, ok := loc["geo"].(map[string]any); ok {
			data.GeoLatitude = number(geo["latitude"])
			data.GeoLongitude = number(geo["longitude"])
		}
	}

	if offer, ok := first(node["offers"]).(map[string]any); ok {
		data.Price = text(offer["price"])
		if data.Price == "" {
			data.Price = text(offer["lowPrice"])
		}
		data.PriceCurrency = text(offer["priceCurrency"])
		data.TicketURL = text(offer["url"])
	}

	for _, p := range list(node["performer"]) {
		if name := nameOf(p); name != "" {
			data.Performers = append(data.Performers, crawler.Performer{Name: name})
		}
	}
	data.OrganizerName = nameOf(first(node["organizer"]))
	return data
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return dom.CollapseSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		if s := text(t["@value"]); s != "" {
			return s
		}
		return text(t["name"])
	case []any:
		if len(t) > 0 {
			return text(t[0])
		}
	}
	return ""
}

func first(v any) any {
	if items, ok := v.([]any); ok {
		if len(items) == 0 {
			return nil
		}
		return items[0]
	}
	return v
}

func list(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func nameOf(v any) string {
	switch t := v.(type) {
	case string:
		return dom.CollapseSpace(t)
	case map[string]any:
		return text(t["name"])
	}
	return ""
}

func imageURL(v any) string {
	switch t := first(v).(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if u := text(t["url"]); u != "" {
			return u
		}
		return text(t["contentUrl"])
	}
	return ""
}

func address(v any) string {
	switch t := first(v).(type) {
	case string:
		return dom.CollapseSpace(t)
	case map[string]any:
		var parts []string
		for _, key := range []string{"streetAddress", "addressLocality", "addressRegion", "postalCode", "addressCountry"} {
			if s := text(t[key]); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func number(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}
