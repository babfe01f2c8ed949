// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Captcha     CaptchaConfig     `mapstructure:"captcha"`
	Adaptive    AdaptiveConfig    `mapstructure:"adaptive"`
	Extraction  ExtractionConfig  `mapstructure:"extraction"`
	Screenshots ScreenshotConfig  `mapstructure:"screenshots"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Publish     PublishConfig     `mapstructure:"publish"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// StorageConfig selects and tunes the persistent store.
type StorageConfig struct {
	Driver        string `mapstructure:"driver" validate:"oneof=sqlite postgres memory"`
	DBPath        string `mapstructure:"db_path" validate:"required_if=Driver sqlite"`
	DSN           string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	BusyRetries   int    `mapstructure:"busy_retries" validate:"gte=1"`
	BusyBackoffMs int    `mapstructure:"busy_backoff_ms" validate:"gt=0"`
}

// BrowserConfig governs the session transport.
type BrowserConfig struct {
	Fetcher                 string `mapstructure:"fetcher" validate:"oneof=browser http"`
	BrowserPoolSize         int    `mapstructure:"browser_pool_size" validate:"gt=0"`
	HeadlessBrowser         bool   `mapstructure:"headless_browser"`
	ExecPath                string `mapstructure:"exec_path"`
	NoSandbox               bool   `mapstructure:"no_sandbox"`
	ContextAcquireTimeoutMs int    `mapstructure:"context_acquire_timeout_ms" validate:"gt=0"`
}

// CrawlerConfig governs the orchestrator pipeline.
type CrawlerConfig struct {
	MaxConcurrentScrapes      int     `mapstructure:"max_concurrent_scrapes" validate:"gt=0"`
	MaxRetriesPerURL          int     `mapstructure:"max_retries_per_url" validate:"gte=0"`
	RequestTimeoutMs          int     `mapstructure:"request_timeout_ms" validate:"gt=0"`
	SelectorTimeoutMs         int     `mapstructure:"selector_timeout_ms" validate:"gt=0"`
	URLBudgetMs               int     `mapstructure:"url_budget_ms" validate:"gt=0"`
	CacheMaxAgeHours          int     `mapstructure:"cache_max_age_hours" validate:"gte=0"`
	MinDelayBetweenRequestsMs int     `mapstructure:"min_delay_between_requests_ms" validate:"gte=0"`
	MaxDelayBetweenRequestsMs int     `mapstructure:"max_delay_between_requests_ms" validate:"gte=0"`
	PerDomainRPS              float64 `mapstructure:"per_domain_rps" validate:"gte=0"`
	PerDomainBurst            int     `mapstructure:"per_domain_burst" validate:"gte=0"`
	ShutdownTimeoutMs         int     `mapstructure:"shutdown_timeout_ms" validate:"gt=0"`
	MetricsSnapshotIntervalS  int     `mapstructure:"metrics_snapshot_interval_s" validate:"gte=0"`
	QueueDepth                int     `mapstructure:"queue_depth" validate:"gt=0"`

	// Admission checks run before a URL takes a slot.
	BlockedDomains  []string `mapstructure:"blocked_domains"`
	RespectRobots   bool     `mapstructure:"respect_robots"`
	RobotsUserAgent string   `mapstructure:"robots_user_agent" validate:"required_if=RespectRobots true"`
}

// FingerprintConfig tunes identity rotation.
type FingerprintConfig struct {
	UserAgentCacheSize      int     `mapstructure:"user_agent_cache_size" validate:"gt=0"`
	ProxyFile               string  `mapstructure:"proxy_file"`
	RefererProbability      float64 `mapstructure:"referer_probability" validate:"gte=0,lte=1"`
	ProxyRefreshProbability float64 `mapstructure:"proxy_refresh_probability" validate:"gte=0,lte=1"`
	ProxyListLimit          int     `mapstructure:"proxy_list_limit" validate:"gt=0"`
}

// CaptchaConfig selects the external solver.
type CaptchaConfig struct {
	ServiceName         string `mapstructure:"captcha_service_name" validate:"omitempty,oneof=noop 2captcha"`
	APIKey              string `mapstructure:"captcha_solver_api_key"`
	BaseURL             string `mapstructure:"base_url" validate:"omitempty,url"`
	PlatformWaitSeconds int    `mapstructure:"platform_wait_seconds" validate:"gt=0"`
	PollIntervalMs      int    `mapstructure:"poll_interval_ms" validate:"gt=0"`
}

// AdaptiveConfig bounds selector discovery.
type AdaptiveConfig struct {
	MaxElementsToInspect int `mapstructure:"max_elements_to_inspect_adaptive" validate:"gt=0"`
	MinTextLength        int `mapstructure:"min_text_length_adaptive" validate:"gte=0"`
	MaxTextLength        int `mapstructure:"max_text_length_adaptive" validate:"gt=0"`
}

// ExtractionConfig sets the sufficiency thresholds.
type ExtractionConfig struct {
	MinTitleLength       int `mapstructure:"min_title_length" validate:"gte=1"`
	MinDescriptionLength int `mapstructure:"min_description_length" validate:"gte=0"`
}

// ScreenshotConfig controls error captures.
type ScreenshotConfig struct {
	ScreenshotOnError  bool   `mapstructure:"screenshot_on_error"`
	ErrorScreenshotDir string `mapstructure:"error_screenshot_dir"`
}

// BackoffConfig parameterizes one retry category.
type BackoffConfig struct {
	BaseMs     int     `mapstructure:"base_ms" validate:"gt=0"`
	Multiplier float64 `mapstructure:"multiplier" validate:"gte=1"`
	CapMs      int     `mapstructure:"cap_ms" validate:"gt=0"`
	Jitter     float64 `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// RetryConfig holds per-category backoff parameters.
type RetryConfig struct {
	RateLimit  BackoffConfig `mapstructure:"rate_limit"`
	Timeout    BackoffConfig `mapstructure:"timeout"`
	Connection BackoffConfig `mapstructure:"connection"`
	Captcha    BackoffConfig `mapstructure:"captcha"`
	Default    BackoffConfig `mapstructure:"default"`
}

// PublishConfig holds metadata for result notifications.
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic" validate:"required_with=ProjectID"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith builds a Config using v, which may already carry bound CLI flags.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", "event_crawler.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.busy_retries", 3)
	v.SetDefault("storage.busy_backoff_ms", 100)

	v.SetDefault("browser.fetcher", "browser")
	v.SetDefault("browser.browser_pool_size", 3)
	v.SetDefault("browser.headless_browser", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.context_acquire_timeout_ms", 30000)

	v.SetDefault("crawler.max_concurrent_scrapes", 5)
	v.SetDefault("crawler.max_retries_per_url", 3)
	v.SetDefault("crawler.request_timeout_ms", 30000)
	v.SetDefault("crawler.selector_timeout_ms", 2000)
	v.SetDefault("crawler.url_budget_ms", 180000)
	v.SetDefault("crawler.cache_max_age_hours", 24)
	v.SetDefault("crawler.min_delay_between_requests_ms", 1000)
	v.SetDefault("crawler.max_delay_between_requests_ms", 3000)
	v.SetDefault("crawler.per_domain_rps", 0.5)
	v.SetDefault("crawler.per_domain_burst", 1)
	v.SetDefault("crawler.shutdown_timeout_ms", 30000)
	v.SetDefault("crawler.metrics_snapshot_interval_s", 0)
	v.SetDefault("crawler.queue_depth", 256)
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.robots_user_agent", "eventcrawler")

	v.SetDefault("fingerprint.user_agent_cache_size", 200)
	v.SetDefault("fingerprint.proxy_file", "")
	v.SetDefault("fingerprint.referer_probability", 0.7)
	v.SetDefault("fingerprint.proxy_refresh_probability", 0.1)
	v.SetDefault("fingerprint.proxy_list_limit", 50)

	v.SetDefault("captcha.captcha_service_name", "noop")
	v.SetDefault("captcha.captcha_solver_api_key", "")
	v.SetDefault("captcha.base_url", "https://2captcha.com")
	v.SetDefault("captcha.platform_wait_seconds", 45)
	v.SetDefault("captcha.poll_interval_ms", 5000)

	v.SetDefault("adaptive.max_elements_to_inspect_adaptive", 500)
	v.SetDefault("adaptive.min_text_length_adaptive", 3)
	v.SetDefault("adaptive.max_text_length_adaptive", 500)

	v.SetDefault("extraction.min_title_length", 3)
	v.SetDefault("extraction.min_description_length", 20)

	v.SetDefault("screenshots.screenshot_on_error", false)
	v.SetDefault("screenshots.error_screenshot_dir", "error_screenshots")

	setBackoffDefaults(v, "rate_limit", 5000, 2, 60000, 0.3)
	setBackoffDefaults(v, "timeout", 2000, 1.5, 30000, 0.2)
	setBackoffDefaults(v, "connection", 1000, 2, 30000, 0.2)
	setBackoffDefaults(v, "captcha", 10000, 2, 120000, 0.1)
	setBackoffDefaults(v, "default", 1000, 2, 30000, 0.25)

	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "")
}

func setBackoffDefaults(v *viper.Viper, category string, baseMs int, multiplier float64, capMs int, jitter float64) {
	prefix := "retry." + category + "."
	v.SetDefault(prefix+"base_ms", baseMs)
	v.SetDefault(prefix+"multiplier", multiplier)
	v.SetDefault(prefix+"cap_ms", capMs)
	v.SetDefault(prefix+"jitter", jitter)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				return fmt.Errorf("%s must satisfy %s=%s", key, fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%s must satisfy %s", key, fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Crawler.MinDelayBetweenRequestsMs > c.Crawler.MaxDelayBetweenRequestsMs {
		return fmt.Errorf("crawler.min_delay_between_requests_ms must be <= crawler.max_delay_between_requests_ms")
	}
	if c.Adaptive.MinTextLength >= c.Adaptive.MaxTextLength {
		return fmt.Errorf("adaptive.min_text_length_adaptive must be < adaptive.max_text_length_adaptive")
	}
	if c.Screenshots.ScreenshotOnError && c.Screenshots.ErrorScreenshotDir == "" {
		return fmt.Errorf("screenshots.error_screenshot_dir must be set when screenshot_on_error is enabled")
	}
	if c.Captcha.ServiceName == "2captcha" && c.Captcha.APIKey == "" {
		return fmt.Errorf("captcha.captcha_solver_api_key must be set when a solver service is configured")
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("mapstructure"); name != "" && name != "-" {
			return name
		}
		return f.Name
	})
	return v
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// RequestTimeout bounds one navigation.
func (c Config) RequestTimeout() time.Duration { return ms(c.Crawler.RequestTimeoutMs) }

// SelectorTimeout bounds one selector visibility wait.
func (c Config) SelectorTimeout() time.Duration { return ms(c.Crawler.SelectorTimeoutMs) }

// URLBudget bounds all attempts for one URL including backoff.
func (c Config) URLBudget() time.Duration { return ms(c.Crawler.URLBudgetMs) }

// CacheMaxAge is how long a successful result is reused.
func (c Config) CacheMaxAge() time.Duration {
	return time.Duration(c.Crawler.CacheMaxAgeHours) * time.Hour
}

// ContextAcquireTimeout bounds waiting for an idle browser context.
func (c Config) ContextAcquireTimeout() time.Duration { return ms(c.Browser.ContextAcquireTimeoutMs) }

// ShutdownTimeout bounds waiting for in-flight work on shutdown.
func (c Config) ShutdownTimeout() time.Duration { return ms(c.Crawler.ShutdownTimeoutMs) }

// MetricsSnapshotInterval is zero when periodic snapshots are disabled.
func (c Config) MetricsSnapshotInterval() time.Duration {
	return time.Duration(c.Crawler.MetricsSnapshotIntervalS) * time.Second
}

// BusyBackoff is the first wait between store write attempts.
func (c Config) BusyBackoff() time.Duration { return ms(c.Storage.BusyBackoffMs) }

// DelayRange returns the human delay bounds.
func (c Config) DelayRange() (time.Duration, time.Duration) {
	return ms(c.Crawler.MinDelayBetweenRequestsMs), ms(c.Crawler.MaxDelayBetweenRequestsMs)
}

// Base returns the first-attempt delay.
func (b BackoffConfig) Base() time.Duration { return ms(b.BaseMs) }

// Cap returns the maximum pre-jitter delay.
func (b BackoffConfig) Cap() time.Duration { return ms(b.CapMs) }
