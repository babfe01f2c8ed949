// Package selector learns CSS selectors per domain and field, and extracts
// field values with the best-ranked ones.
package selector

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/fetcher/dom"
	"github.com/JakeFAU/event-crawler/internal/metrics"
)

// Store is the slice of crawler.Store the learner reads and writes.
type Store interface {
	GetLearnedSelectors(ctx context.Context, domain, elementType string, limit int) ([]crawler.SelectorPattern, error)
	UpdateSelectorPatternStats(ctx context.Context, domain, elementType, selector string, success bool) error
}

// Config bounds discovery and extraction.
type Config struct {
	// MaxElements caps how many elements discovery inspects.
	MaxElements int
	// MinTextLength and MaxTextLength tighten every field's text bounds.
	MinTextLength int
	MaxTextLength int
	// MaxCandidates caps fresh selectors per field.
	MaxCandidates   int
	SelectorTimeout time.Duration
	Seed            uint64
}

// Learner discovers and ranks selectors with persisted statistics.
type Learner struct {
	cfg    Config
	specs  []FieldSpec
	store  Store
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Learner over DefaultSpecs.
func New(cfg Config, store Store, logger *zap.Logger) *Learner {
	if cfg.MaxElements <= 0 {
		cfg.MaxElements = 500
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seed1, seed2 := cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15
	if cfg.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}
	specs := make([]FieldSpec, len(DefaultSpecs))
	for i, spec := range DefaultSpecs {
		specs[i] = spec.withBounds(cfg.MinTextLength, cfg.MaxTextLength)
	}
	return &Learner{
		cfg:    cfg,
		specs:  specs,
		store:  store,
		logger: logger.Named("selector"),
		rng:    rand.New(rand.NewPCG(seed1, seed2)),
	}
}

func (s FieldSpec) withBounds(minLen, maxLen int) FieldSpec {
	if minLen > s.MinLen {
		s.MinLen = minLen
	}
	// The description cap is never tightened.
	if maxLen > 0 && maxLen < s.MaxLen && s.Field != crawler.FieldDescription {
		s.MaxLen = maxLen
	}
	return s
}

// Fields lists the learned fields in extraction order.
func (l *Learner) Fields() []string {
	out := make([]string, len(l.specs))
	for i, s := range l.specs {
		out[i] = s.Field
	}
	return out
}

// DiscoverSelectors returns candidate selectors per field: the best learned
// selector first, then freshly discovered ones ranked by score.
func (l *Learner) DiscoverSelectors(ctx context.Context, page crawler.Page, domain string) (map[string][]string, error) {
	out := make(map[string][]string, len(l.specs))
	for _, spec := range l.specs {
		if learned := l.learned(ctx, domain, spec.Field); learned != "" {
			out[spec.Field] = []string{learned}
		}
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return out, fmt.Errorf("read page html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return out, fmt.Errorf("parse page html: %w", err)
	}

	sample := l.sample(doc.Find("head meta, body *"))
	for _, spec := range l.specs {
		for _, sel := range discover(spec, sample, l.cfg.MaxCandidates) {
			if !slices.Contains(out[spec.Field], sel) {
				out[spec.Field] = append(out[spec.Field], sel)
			}
		}
	}
	return out, nil
}

func (l *Learner) learned(ctx context.Context, domain, field string) string {
	if l.store == nil {
		return ""
	}
	patterns, err := l.store.GetLearnedSelectors(ctx, domain, field, 1)
	if err != nil {
		l.logger.Warn("learned selector lookup failed", zap.String("domain", domain), zap.String("field", field), zap.Error(err))
		return ""
	}
	if len(patterns) == 0 || patterns[0].SuccessCount == 0 {
		return ""
	}
	return patterns[0].Selector
}

// sample keeps document order; above the cap it picks a random subset.
func (l *Learner) sample(all *goquery.Selection) []*goquery.Selection {
	n := all.Length()
	picks := make([]int, 0, min(n, l.cfg.MaxElements))
	if n <= l.cfg.MaxElements {
		for i := range n {
			picks = append(picks, i)
		}
	} else {
		l.mu.Lock()
		perm := l.rng.Perm(n)
		l.mu.Unlock()
		picks = append(picks, perm[:l.cfg.MaxElements]...)
		sort.Ints(picks)
	}
	out := make([]*goquery.Selection, len(picks))
	for i, idx := range picks {
		out[i] = all.Eq(idx)
	}
	return out
}

type candidate struct {
	selector string
	score    float64
	order    int
}

func discover(spec FieldSpec, elements []*goquery.Selection, limit int) []string {
	best := map[string]*candidate{}
	for i, el := range elements {
		tag := goquery.NodeName(el)
		tagIdx := slices.Index(spec.Tags, tag)
		if tagIdx < 0 {
			continue
		}
		text := elementText(el)
		if n := len([]rune(text)); n < spec.MinLen || n > spec.MaxLen {
			continue
		}
		hints, keywords := matches(spec, el, text)
		if hints == 0 && keywords == 0 && !spec.TrustTags {
			continue
		}
		if tag == "meta" && hints == 0 {
			continue
		}
		sel := deriveSelector(el)
		if sel == "" {
			continue
		}
		score := float64(len(spec.Tags)-tagIdx)*0.5 + float64(hints)*3 + float64(keywords)
		if c, ok := best[sel]; ok {
			c.score = max(c.score, score)
			continue
		}
		best[sel] = &candidate{selector: sel, score: score, order: i}
	}

	ranked := make([]*candidate, 0, len(best))
	for _, c := range best {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].order < ranked[j].order
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, c := range ranked {
		out[i] = c.selector
	}
	return out
}

func elementText(el *goquery.Selection) string {
	if goquery.NodeName(el) == "meta" {
		v, _ := el.Attr("content")
		return dom.CollapseSpace(v)
	}
	return dom.CollapseSpace(el.Text())
}

func matches(spec FieldSpec, el *goquery.Selection, text string) (hints, keywords int) {
	var attrs strings.Builder
	for _, name := range []string{"class", "id", "itemprop", "property", "name"} {
		if v, ok := el.Attr(name); ok {
			attrs.WriteString(strings.ToLower(v))
			attrs.WriteByte(' ')
		}
	}
	haystack := attrs.String()
	for _, h := range spec.Hints {
		if strings.Contains(haystack, h) {
			hints++
		}
	}
	lower := strings.ToLower(text)
	for _, k := range spec.Keywords {
		if strings.Contains(lower, k) {
			keywords++
		}
	}
	return hints, keywords
}

var cssIdent = regexp.MustCompile(`^-?[A-Za-z_][A-Za-z0-9_-]*$`)

// deriveSelector is tag plus first usable class; meta tags are keyed by
// property or name instead.
func deriveSelector(el *goquery.Selection) string {
	tag := goquery.NodeName(el)
	if tag == "meta" {
		for _, attr := range []string{"property", "name", "itemprop"} {
			if v, ok := el.Attr(attr); ok && v != "" && !strings.ContainsAny(v, `"\`) {
				return fmt.Sprintf(`meta[%s="%s"]`, attr, v)
			}
		}
		return ""
	}
	class, _ := el.Attr("class")
	for _, c := range strings.Fields(class) {
		if cssIdent.MatchString(c) {
			return tag + "." + c
		}
	}
	return tag
}

// Extract tries each field's selectors in order and keeps the first
// non-empty visible value. Every attempt is recorded.
func (l *Learner) Extract(ctx context.Context, page crawler.Page, selectors map[string][]string, domain string) map[string]string {
	out := map[string]string{}
	for _, spec := range l.specs {
		for _, sel := range selectors[spec.Field] {
			if ctx.Err() != nil {
				return out
			}
			value, ok := l.try(ctx, page, sel)
			l.record(ctx, domain, spec.Field, sel, ok)
			if ok {
				out[spec.Field] = value
				break
			}
		}
	}
	return out
}

func (l *Learner) try(ctx context.Context, page crawler.Page, sel string) (string, bool) {
	if strings.HasPrefix(sel, "meta") {
		v, err := page.Attr(ctx, sel, "content")
		return v, err == nil && v != ""
	}
	if !page.Visible(ctx, sel, l.cfg.SelectorTimeout) {
		return "", false
	}
	v, err := page.Text(ctx, sel)
	if err != nil {
		return "", false
	}
	v = dom.CollapseSpace(v)
	return v, v != ""
}

func (l *Learner) record(ctx context.Context, domain, field, sel string, success bool) {
	metrics.ObserveSelectorAttempt(field, success)
	if l.store == nil {
		return
	}
	if err := l.store.UpdateSelectorPatternStats(ctx, domain, field, sel, success); err != nil {
		l.logger.Warn("selector stats update failed",
			zap.String("domain", domain),
			zap.String("field", field),
			zap.String("selector", sel),
			zap.Error(err),
		)
	}
}
