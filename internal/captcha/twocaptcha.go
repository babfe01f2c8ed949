package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/clock/system"
	"github.com/JakeFAU/event-crawler/internal/crawler"
)

const notReady = "CAPCHA_NOT_READY"

// TwoCaptchaConfig configures the 2captcha-compatible client.
type TwoCaptchaConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	// Timeout bounds one solve from submission to token.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// TwoCaptcha solves challenges through the 2captcha in.php/res.php API.
type TwoCaptcha struct {
	cfg    TwoCaptchaConfig
	client *http.Client
	logger *zap.Logger
}

type twoCaptchaResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// NewTwoCaptcha builds a client. The API key is required.
func NewTwoCaptcha(cfg TwoCaptchaConfig, logger *zap.Logger) (*TwoCaptcha, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("2captcha api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://2captcha.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoCaptcha{cfg: cfg, client: client, logger: logger.Named("2captcha")}, nil
}

// Solve submits the challenge and polls until a token is ready.
func (c *TwoCaptcha) Solve(ctx context.Context, challenge crawler.ChallengeInfo) (string, error) {
	form, err := c.submission(challenge)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	submitted, err := c.call(ctx, http.MethodPost, c.cfg.BaseURL+"/in.php", form)
	if err != nil {
		return "", err
	}
	if submitted.Status != 1 {
		return "", fmt.Errorf("2captcha submit rejected: %s", submitted.Request)
	}
	taskID := submitted.Request
	c.logger.Debug("challenge submitted", zap.String("task", taskID), zap.String("type", string(challenge.Type)))

	query := url.Values{
		"key":    {c.cfg.APIKey},
		"action": {"get"},
		"id":     {taskID},
		"json":   {"1"},
	}
	for {
		if err := system.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return "", fmt.Errorf("2captcha poll %s: %w", taskID, err)
		}
		res, err := c.call(ctx, http.MethodGet, c.cfg.BaseURL+"/res.php?"+query.Encode(), nil)
		if err != nil {
			return "", err
		}
		switch {
		case res.Status == 1:
			return res.Request, nil
		case res.Request == notReady:
			continue
		default:
			return "", fmt.Errorf("2captcha task %s failed: %s", taskID, res.Request)
		}
	}
}

func (c *TwoCaptcha) submission(challenge crawler.ChallengeInfo) (url.Values, error) {
	form := url.Values{
		"key":     {c.cfg.APIKey},
		"json":    {"1"},
		"pageurl": {challenge.PageURL},
	}
	if challenge.SiteKey == "" {
		return nil, fmt.Errorf("2captcha: %s challenge has no site key", challenge.Type)
	}
	switch challenge.Type {
	case crawler.ChallengeRecaptchaV2:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", challenge.SiteKey)
	case crawler.ChallengeRecaptchaV3:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", challenge.SiteKey)
		form.Set("version", "v3")
		form.Set("min_score", "0.3")
	case crawler.ChallengeHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", challenge.SiteKey)
	case crawler.ChallengeFunCaptcha:
		form.Set("method", "funcaptcha")
		form.Set("publickey", challenge.SiteKey)
	default:
		return nil, fmt.Errorf("2captcha: unsupported challenge %s", challenge.Type)
	}
	return form, nil
}

func (c *TwoCaptcha) call(ctx context.Context, method, endpoint string, form url.Values) (twoCaptchaResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return twoCaptchaResponse{}, fmt.Errorf("build 2captcha request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return twoCaptchaResponse{}, fmt.Errorf("2captcha request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return twoCaptchaResponse{}, fmt.Errorf("read 2captcha response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return twoCaptchaResponse{}, fmt.Errorf("2captcha returned %d", resp.StatusCode)
	}
	var out twoCaptchaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return twoCaptchaResponse{}, fmt.Errorf("decode 2captcha response: %w", err)
	}
	return out, nil
}
