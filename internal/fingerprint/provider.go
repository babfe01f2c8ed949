// Package fingerprint rotates the identity a crawler presents: user agents,
// request headers, viewports, device fingerprints, pacing delays and egress
// proxies.
package fingerprint

import (
	"context"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Fingerprint is a device tuple kept internally consistent so spoofed
// navigator, WebGL and geolocation values agree with each other.
type Fingerprint struct {
	Platform            string
	Locale              string
	Languages           []string
	Timezone            string
	WebGLVendor         string
	WebGLRenderer       string
	HardwareConcurrency int
	DeviceMemory        int
	Latitude            float64
	Longitude           float64
}

// Profile is everything a new browsing context is configured with.
type Profile struct {
	UserAgent   string
	Viewport    Viewport
	Fingerprint Fingerprint
	Headers     http.Header
}

// ProxyStore is the slice of the persistent store the provider needs.
type ProxyStore interface {
	GetActiveProxies(ctx context.Context, limit int) ([]crawler.ProxyHealth, error)
	UpdateProxyHealth(ctx context.Context, proxyURL string, success bool, responseTime time.Duration) error
}

// Config tunes rotation.
type Config struct {
	UserAgentCacheSize      int
	MinDelay                time.Duration
	MaxDelay                time.Duration
	RefererProbability      float64
	ProxyRefreshProbability float64
	ProxyListLimit          int
	// Seed makes sampling reproducible when non-zero.
	Seed uint64
}

const delayShape = 2.0

var chromeVersion = regexp.MustCompile(`Chrome/(\d+)`)

// Provider hands out identities. It is safe for concurrent use.
type Provider struct {
	cfg    Config
	store  ProxyStore
	logger *zap.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	recent    []string
	recentSet map[string]struct{}
	current   string
	proxies   []string
	proxyIdx  int
}

// New builds a Provider. store may be nil when no proxies are used.
func New(cfg Config, store ProxyStore, logger *zap.Logger) *Provider {
	if cfg.UserAgentCacheSize <= 0 {
		cfg.UserAgentCacheSize = 200
	}
	if cfg.ProxyListLimit <= 0 {
		cfg.ProxyListLimit = 50
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seed1, seed2 := cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15
	if cfg.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}
	return &Provider{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(seed1, seed2)),
		recentSet: make(map[string]struct{}),
	}
}

// recencyWindow never exceeds the table size minus one so a fresh agent
// always exists.
func (p *Provider) recencyWindow() int {
	return min(p.cfg.UserAgentCacheSize, len(userAgents)-1)
}

// NextUserAgent returns an agent not handed out within the recency window
// and makes it the current agent.
func (p *Provider) NextUserAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextUserAgentLocked()
}

func (p *Provider) nextUserAgentLocked() string {
	candidates := make([]string, 0, len(userAgents))
	for _, ua := range userAgents {
		if _, seen := p.recentSet[ua]; !seen {
			candidates = append(candidates, ua)
		}
	}
	ua := candidates[p.rng.IntN(len(candidates))]

	p.recent = append(p.recent, ua)
	p.recentSet[ua] = struct{}{}
	for len(p.recent) > p.recencyWindow() {
		delete(p.recentSet, p.recent[0])
		p.recent = p.recent[1:]
	}
	p.current = ua
	return ua
}

// RandomHeaders builds a browser-like header set around the current agent.
func (p *Provider) RandomHeaders() http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == "" {
		p.nextUserAgentLocked()
	}
	return p.headersLocked(p.current, acceptLanguages[p.rng.IntN(len(acceptLanguages))])
}

func (p *Provider) headersLocked(ua, acceptLanguage string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-User", "?1")
	if m := chromeVersion.FindStringSubmatch(ua); m != nil {
		h.Set("Sec-CH-UA", `"Chromium";v="`+m[1]+`", "Not;A=Brand";v="24", "Google Chrome";v="`+m[1]+`"`)
		h.Set("Sec-CH-UA-Mobile", "?0")
		h.Set("Sec-CH-UA-Platform", `"`+uaPlatformName(ua)+`"`)
	}
	if p.rng.Float64() < p.cfg.RefererProbability {
		h.Set("Referer", referers[p.rng.IntN(len(referers))])
		h.Set("Sec-Fetch-Site", "cross-site")
	} else {
		h.Set("Sec-Fetch-Site", "none")
	}
	return h
}

// RandomViewport picks a common resolution and jitters it by a few pixels.
func (p *Provider) RandomViewport() Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewportLocked()
}

func (p *Provider) viewportLocked() Viewport {
	v := viewports[p.rng.IntN(len(viewports))]
	v.Width += p.rng.IntN(17) - 8
	v.Height += p.rng.IntN(17) - 8
	return v
}

// RandomFingerprint picks a device tuple with a jittered geolocation.
func (p *Provider) RandomFingerprint() Fingerprint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fingerprintLocked(fingerprintTable)
}

func (p *Provider) fingerprintLocked(table []Fingerprint) Fingerprint {
	fp := table[p.rng.IntN(len(table))]
	fp.Languages = append([]string(nil), fp.Languages...)
	fp.Latitude += (p.rng.Float64() - 0.5) * 0.1
	fp.Longitude += (p.rng.Float64() - 0.5) * 0.1
	return fp
}

// HumanDelay samples a Gamma-distributed pause centred on the midpoint of
// the configured range and clamped to it.
func (p *Provider) HumanDelay() time.Duration {
	lo, hi := p.cfg.MinDelay, p.cfg.MaxDelay
	if hi <= lo {
		return lo
	}
	mean := float64(lo+hi) / 2
	p.mu.Lock()
	sample := gammaSample(p.rng, delayShape, mean/delayShape)
	p.mu.Unlock()
	d := time.Duration(sample)
	return max(lo, min(hi, d))
}

// NewProfile assembles a consistent identity for a new browsing context.
func (p *Provider) NewProfile() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	ua := p.nextUserAgentLocked()
	table := matchingFingerprints(ua)
	fp := p.fingerprintLocked(table)
	lang := strings.Join(fp.Languages, ",")
	if len(fp.Languages) > 1 {
		lang = fp.Languages[0] + "," + fp.Languages[1] + ";q=0.9"
	}
	return Profile{
		UserAgent:   ua,
		Viewport:    p.viewportLocked(),
		Fingerprint: fp,
		Headers:     p.headersLocked(ua, lang),
	}
}

// NextProxy round-robins the cached active proxies. At each cycle reset the
// cache is refreshed from the store with the configured probability, or
// always when it is empty. It returns "" when no proxy is active.
func (p *Provider) NextProxy(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proxyIdx >= len(p.proxies) {
		if len(p.proxies) == 0 || p.rng.Float64() < p.cfg.ProxyRefreshProbability {
			p.refreshLocked(ctx)
		}
		p.proxyIdx = 0
	}
	if len(p.proxies) == 0 {
		return ""
	}
	proxy := p.proxies[p.proxyIdx]
	p.proxyIdx++
	return proxy
}

func (p *Provider) refreshLocked(ctx context.Context) {
	if p.store == nil {
		return
	}
	active, err := p.store.GetActiveProxies(ctx, p.cfg.ProxyListLimit)
	if err != nil {
		p.logger.Warn("refresh proxies failed; keeping cached list", zap.Error(err))
		return
	}
	proxies := make([]string, 0, len(active))
	for _, ph := range active {
		proxies = append(proxies, ph.ProxyURL)
	}
	p.proxies = proxies
	p.logger.Debug("proxy list refreshed", zap.Int("active", len(proxies)))
}

// RecordProxyOutcome persists one request outcome for proxy. Empty proxies
// are ignored.
func (p *Provider) RecordProxyOutcome(ctx context.Context, proxy string, success bool, responseTime time.Duration) error {
	if proxy == "" || p.store == nil {
		return nil
	}
	if err := p.store.UpdateProxyHealth(ctx, proxy, success, responseTime); err != nil {
		p.logger.Warn("record proxy outcome failed", zap.String("proxy", proxy), zap.Error(err))
		return err
	}
	return nil
}

func uaPlatformName(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Macintosh"):
		return "macOS"
	default:
		return "Linux"
	}
}

func matchingFingerprints(ua string) []Fingerprint {
	want := map[string]string{"Windows": "Win32", "macOS": "MacIntel", "Linux": "Linux x86_64"}[uaPlatformName(ua)]
	var out []Fingerprint
	for _, fp := range fingerprintTable {
		if fp.Platform == want {
			out = append(out, fp)
		}
	}
	if len(out) == 0 {
		return fingerprintTable
	}
	return out
}
