// Package captcha detects bot challenges on loaded pages and clears them
// when it can.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/clock/system"
	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// probe is one challenge signature.
type probe struct {
	kind     crawler.ChallengeType
	selector string
}

// probes run in order; the first visible match wins.
var probes = []probe{
	{crawler.ChallengeRecaptchaV2, `iframe[src*="recaptcha/api2"], iframe[src*="recaptcha/enterprise/anchor"]`},
	{crawler.ChallengeRecaptchaV3, `.grecaptcha-badge`},
	{crawler.ChallengeHCaptcha, `iframe[src*="hcaptcha.com"]`},
	{crawler.ChallengePlatform, `#challenge-running, #challenge-stage, #cf-challenge-running`},
	{crawler.ChallengeFunCaptcha, `input[name="fc-token"], #FunCaptcha`},
	{crawler.ChallengeImage, `img[src*="captcha"], img[alt*="captcha"], img[id*="captcha"]`},
}

// Config tunes detection and the platform wait.
type Config struct {
	// ProbeTimeout bounds each visibility check.
	ProbeTimeout time.Duration
	// PlatformWait bounds how long a platform challenge may take to clear.
	PlatformWait time.Duration
	// PollInterval spaces platform re-checks.
	PollInterval time.Duration
}

// Detector finds and clears challenges.
type Detector struct {
	cfg    Config
	solver Solver
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewDetector builds a Detector. A nil solver behaves like NoopSolver.
func NewDetector(cfg Config, solver Solver, logger *zap.Logger) *Detector {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.PlatformWait <= 0 {
		cfg.PlatformWait = 45 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if solver == nil {
		solver = NoopSolver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, solver: solver, logger: logger.Named("captcha"), sleep: system.Sleep}
}

// Detect returns the first challenge present on page, or nil.
func (d *Detector) Detect(ctx context.Context, page crawler.Page) *crawler.ChallengeInfo {
	for _, p := range probes {
		if ctx.Err() != nil {
			return nil
		}
		if !d.present(ctx, page, p) {
			continue
		}
		info := &crawler.ChallengeInfo{
			Type:     p.kind,
			Selector: p.selector,
			PageURL:  page.URL(),
			SiteKey:  d.siteKey(ctx, page, p),
		}
		d.logger.Info("challenge detected",
			zap.String("type", string(info.Type)),
			zap.String("url", info.PageURL),
			zap.Bool("site_key", info.SiteKey != ""),
		)
		return info
	}
	return nil
}

// present is a visibility check, except for the token field which is a
// hidden input by construction.
func (d *Detector) present(ctx context.Context, page crawler.Page, p probe) bool {
	if p.kind == crawler.ChallengeFunCaptcha {
		if _, err := page.Attr(ctx, p.selector, "name"); err == nil {
			return true
		}
	}
	return page.Visible(ctx, p.selector, d.cfg.ProbeTimeout)
}

func (d *Detector) siteKey(ctx context.Context, page crawler.Page, p probe) string {
	for _, attr := range []string{"data-sitekey", "data-pkey"} {
		if v, err := page.Attr(ctx, "["+attr+"]", attr); err == nil && v != "" {
			return v
		}
	}
	if src, err := page.Attr(ctx, p.selector, "src"); err == nil {
		if u, err := url.Parse(src); err == nil {
			for _, key := range []string{"k", "sitekey"} {
				if v := u.Query().Get(key); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// Solve tries to clear challenge. Platform challenges are waited out; the
// rest go to the solver and the returned token is written into the page.
func (d *Detector) Solve(ctx context.Context, page crawler.Page, challenge crawler.ChallengeInfo) bool {
	if challenge.Type == crawler.ChallengePlatform {
		return d.waitPlatform(ctx, page, challenge)
	}
	token, err := d.solver.Solve(ctx, challenge)
	if err != nil {
		if !errors.Is(err, ErrNoSolver) {
			d.logger.Warn("solver failed", zap.String("type", string(challenge.Type)), zap.Error(err))
		}
		return false
	}
	script, err := injectionScript(challenge.Type, token)
	if err != nil {
		d.logger.Warn("token injection unavailable", zap.String("type", string(challenge.Type)), zap.Error(err))
		return false
	}
	var injected bool
	if err := page.Evaluate(ctx, script, &injected); err != nil || !injected {
		d.logger.Warn("token injection failed", zap.String("type", string(challenge.Type)), zap.Error(err))
		return false
	}
	return true
}

func (d *Detector) waitPlatform(ctx context.Context, page crawler.Page, challenge crawler.ChallengeInfo) bool {
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.PlatformWait)
	defer cancel()
	for {
		if !page.Visible(waitCtx, challenge.Selector, d.cfg.ProbeTimeout) {
			// A canceled wait also reads as "not visible".
			return waitCtx.Err() == nil
		}
		if err := d.sleep(waitCtx, d.cfg.PollInterval); err != nil {
			d.logger.Info("platform challenge did not clear", zap.String("url", challenge.PageURL), zap.Duration("waited", d.cfg.PlatformWait))
			return false
		}
	}
}

const tokenTemplate = `(() => {
  const token = %s;
  let written = false;
  for (const sel of %s) {
    document.querySelectorAll(sel).forEach((el) => {
      el.value = token;
      el.innerHTML = token;
      written = true;
    });
  }
  const holder = document.querySelector('[data-callback]');
  if (holder) {
    const cb = window[holder.getAttribute('data-callback')];
    if (typeof cb === 'function') { try { cb(token); } catch (e) {} }
  }
  return written;
})()`

var responseFields = map[crawler.ChallengeType][]string{
	crawler.ChallengeRecaptchaV2: {`textarea[name="g-recaptcha-response"]`, `#g-recaptcha-response`},
	crawler.ChallengeRecaptchaV3: {`textarea[name="g-recaptcha-response"]`, `#g-recaptcha-response`},
	crawler.ChallengeHCaptcha:    {`textarea[name="h-captcha-response"]`, `textarea[name="g-recaptcha-response"]`},
	crawler.ChallengeFunCaptcha:  {`input[name="fc-token"]`, `#FunCaptcha-Token`},
	crawler.ChallengeImage:       {`input[name*="captcha" i]`, `input[id*="captcha" i]`},
}

func injectionScript(kind crawler.ChallengeType, token string) (string, error) {
	fields, ok := responseFields[kind]
	if !ok {
		return "", fmt.Errorf("no response field for %s", kind)
	}
	quotedToken, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("quote token: %w", err)
	}
	quotedFields, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("quote fields: %w", err)
	}
	return fmt.Sprintf(tokenTemplate, quotedToken, quotedFields), nil
}
