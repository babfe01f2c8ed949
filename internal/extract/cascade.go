// Package extract turns a loaded page into an EventData record through a
// cascade of layers in fixed precedence.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/selector"
)

// Input is what every layer sees: the live page, its parsed markup and the
// domain used to key learned selectors.
type Input struct {
	Page   crawler.Page
	Doc    *goquery.Document
	Domain string
}

// Layer is one extraction strategy.
type Layer interface {
	Name() crawler.ExtractionMethod
	Extract(ctx context.Context, in Input) (crawler.EventData, error)
}

// Cascade runs layers in order and keeps the first sufficient result.
type Cascade struct {
	layers []Layer
	policy Policy
	logger *zap.Logger
}

// NewCascade builds a cascade over layers, in the order given.
func NewCascade(policy Policy, logger *zap.Logger, layers ...Layer) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cascade{layers: layers, policy: policy, logger: logger.Named("extract")}
}

// NewDefault wires the standard precedence: JSON-LD, Microdata, adaptive
// selectors (when learner is set), then the heuristic fallback.
func NewDefault(policy Policy, learner *selector.Learner, logger *zap.Logger) *Cascade {
	layers := []Layer{JSONLD{Policy: policy}, Microdata{Policy: policy}}
	if learner != nil {
		layers = append(layers, NewAdaptive(learner))
	}
	layers = append(layers, Fallback{})
	return NewCascade(policy, logger, layers...)
}

// Run extracts event data from page. It returns a ValidationError when no
// layer produced sufficient data.
func (c *Cascade) Run(ctx context.Context, page crawler.Page, domain string) (crawler.EventData, crawler.ExtractionMethod, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return crawler.EventData{}, "", fmt.Errorf("read page html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.EventData{}, "", fmt.Errorf("parse page html: %w", err)
	}
	in := Input{Page: page, Doc: doc, Domain: domain}

	attempted := make([]crawler.ExtractionMethod, 0, len(c.layers))
	for _, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return crawler.EventData{}, "", err
		}
		attempted = append(attempted, layer.Name())
		data, err := layer.Extract(ctx, in)
		if err != nil {
			c.logger.Debug("layer produced nothing",
				zap.String("layer", string(layer.Name())),
				zap.String("url", page.URL()),
				zap.Error(err),
			)
			continue
		}
		if !c.policy.Sufficient(data) {
			c.logger.Debug("layer insufficient",
				zap.String("layer", string(layer.Name())),
				zap.String("url", page.URL()),
			)
			continue
		}
		return data, layer.Name(), nil
	}
	return crawler.EventData{}, "", &crawler.ValidationError{URL: page.URL(), Attempted: attempted}
}
