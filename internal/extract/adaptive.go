package extract

import (
	"context"
	"errors"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/selector"
)

// Adaptive extracts through learned and freshly discovered selectors.
type Adaptive struct {
	learner *selector.Learner
}

// NewAdaptive wraps learner as a cascade layer.
func NewAdaptive(learner *selector.Learner) *Adaptive {
	return &Adaptive{learner: learner}
}

// Name implements Layer.
func (*Adaptive) Name() crawler.ExtractionMethod { return crawler.MethodAdaptive }

// Extract implements Layer.
func (a *Adaptive) Extract(ctx context.Context, in Input) (crawler.EventData, error) {
	selectors, err := a.learner.DiscoverSelectors(ctx, in.Page, in.Domain)
	if err != nil && len(selectors) == 0 {
		return crawler.EventData{}, err
	}
	values := a.learner.Extract(ctx, in.Page, selectors, in.Domain)
	if len(values) == 0 {
		return crawler.EventData{}, errors.New("no selector matched")
	}
	return crawler.EventData{
		Title:        values[crawler.FieldTitle],
		StartDate:    NormalizeDate(values[crawler.FieldDate]),
		VenueName:    values[crawler.FieldVenueName],
		VenueAddress: values[crawler.FieldVenueAddress],
		Description:  values[crawler.FieldDescription],
		Price:        values[crawler.FieldPrice],
	}, nil
}
