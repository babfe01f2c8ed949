package crawler

import "time"

// ExtractionMethod names the layer that produced a result's data.
type ExtractionMethod string

const (
	// MethodCache marks a result synthesized from a cached entry.
	MethodCache ExtractionMethod = "cache"
	// MethodJSONLD marks data read from schema.org JSON-LD blocks.
	MethodJSONLD ExtractionMethod = "json_ld"
	// MethodMicrodata marks data read from schema.org microdata attributes.
	MethodMicrodata ExtractionMethod = "microdata"
	// MethodAdaptive marks data read through learned or discovered selectors.
	MethodAdaptive ExtractionMethod = "adaptive"
	// MethodFallback marks data produced by the heuristic fallback.
	MethodFallback ExtractionMethod = "fallback"
)

// Field names shared by the selector learner, the cascade and the output vocabulary.
const (
	FieldTitle        = "title"
	FieldDate         = "date"
	FieldStartDate    = "startDate"
	FieldEndDate      = "endDate"
	FieldVenueName    = "venue_name"
	FieldVenueAddress = "venue_address"
	FieldDescription  = "description"
	FieldPrice        = "price"
)

// Performer is a single act appearing at an event.
type Performer struct {
	Name string `json:"name" yaml:"name"`
}

// EventData is the normalized event record produced by extraction.
type EventData struct {
	Title         string      `json:"title,omitempty" yaml:"title,omitempty"`
	StartDate     string      `json:"startDate,omitempty" yaml:"startDate,omitempty"`
	EndDate       string      `json:"endDate,omitempty" yaml:"endDate,omitempty"`
	VenueName     string      `json:"venue_name,omitempty" yaml:"venue_name,omitempty"`
	VenueAddress  string      `json:"venue_address,omitempty" yaml:"venue_address,omitempty"`
	GeoLatitude   *float64    `json:"geo_latitude,omitempty" yaml:"geo_latitude,omitempty"`
	GeoLongitude  *float64    `json:"geo_longitude,omitempty" yaml:"geo_longitude,omitempty"`
	Performers    []Performer `json:"performers,omitempty" yaml:"performers,omitempty"`
	Price         string      `json:"price,omitempty" yaml:"price,omitempty"`
	PriceCurrency string      `json:"priceCurrency,omitempty" yaml:"priceCurrency,omitempty"`
	TicketURL     string      `json:"ticket_url,omitempty" yaml:"ticket_url,omitempty"`
	Description   string      `json:"description,omitempty" yaml:"description,omitempty"`
	ImageURL      string      `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	OrganizerName string      `json:"organizer_name,omitempty" yaml:"organizer_name,omitempty"`
}

// IsZero reports whether no field carries a value.
func (d EventData) IsZero() bool {
	return d.Title == "" && d.StartDate == "" && d.EndDate == "" &&
		d.VenueName == "" && d.VenueAddress == "" &&
		d.GeoLatitude == nil && d.GeoLongitude == nil && len(d.Performers) == 0 &&
		d.Price == "" && d.PriceCurrency == "" && d.TicketURL == "" &&
		d.Description == "" && d.ImageURL == "" && d.OrganizerName == ""
}

// ScrapingResult is the outcome of crawling one URL. It is a value and is
// never mutated once returned.
type ScrapingResult struct {
	URL              string           `json:"url" yaml:"url"`
	Success          bool             `json:"success" yaml:"success"`
	Data             *EventData       `json:"data,omitempty" yaml:"data,omitempty"`
	ErrorKind        ErrorKind        `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ExtractionMethod ExtractionMethod `json:"extraction_method,omitempty" yaml:"extraction_method,omitempty"`
	Timestamp        time.Time        `json:"timestamp" yaml:"timestamp"`
	ResponseTimeMs   int64            `json:"response_time_ms" yaml:"response_time_ms"`
	StatusCode       int              `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	IsFromCache      bool             `json:"is_from_cache" yaml:"is_from_cache"`
}

// SelectorPattern is the persisted track record of one selector for one
// field on one domain.
type SelectorPattern struct {
	Domain       string
	ElementType  string
	Selector     string
	SuccessCount int64
	FailureCount int64
	LastUsed     time.Time
}

// SuccessRatio is the Laplace-smoothed success ratio used for ranking.
func (p SelectorPattern) SuccessRatio() float64 {
	return float64(p.SuccessCount) / float64(p.SuccessCount+p.FailureCount+1)
}

// MaxConsecutiveProxyFailures deactivates a proxy once reached.
const MaxConsecutiveProxyFailures = 5

// ProxyHealth is the persisted health record of one proxy endpoint.
type ProxyHealth struct {
	ProxyURL            string    `json:"proxy_url"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	TotalResponseTimeMs int64     `json:"total_response_time_ms"`
	RequestCount        int64     `json:"request_count"`
	IsActive            bool      `json:"is_active"`
	LastUsed            time.Time `json:"last_used,omitzero"`
	LastFailed          time.Time `json:"last_failed,omitzero"`
}

// SuccessRatio is the Laplace-smoothed success ratio used for ranking.
func (p ProxyHealth) SuccessRatio() float64 {
	return float64(p.SuccessCount) / float64(p.SuccessCount+p.FailureCount+1)
}

// AverageResponseTime returns the mean response time across all requests.
func (p ProxyHealth) AverageResponseTime() time.Duration {
	if p.RequestCount == 0 {
		return 0
	}
	return time.Duration(p.TotalResponseTimeMs/p.RequestCount) * time.Millisecond
}

// MetricsSnapshot is a point-in-time copy of the orchestrator counters.
type MetricsSnapshot struct {
	ID                  string                     `json:"id"`
	TakenAt             time.Time                  `json:"taken_at"`
	StartedAt           time.Time                  `json:"started_at"`
	Processed           int64                      `json:"processed"`
	Successful          int64                      `json:"successful"`
	Failed              int64                      `json:"failed"`
	CacheHits           int64                      `json:"cache_hits"`
	Retries             int64                      `json:"retries"`
	TotalResponseTimeMs int64                      `json:"total_response_time_ms"`
	ByMethod            map[ExtractionMethod]int64 `json:"by_method"`
}

// ChallengeType classifies a detected anti-bot challenge.
type ChallengeType string

const (
	ChallengeRecaptchaV2 ChallengeType = "recaptcha_v2"
	ChallengeRecaptchaV3 ChallengeType = "recaptcha_v3"
	ChallengeHCaptcha    ChallengeType = "hcaptcha"
	ChallengePlatform    ChallengeType = "platform"
	ChallengeFunCaptcha  ChallengeType = "funcaptcha"
	ChallengeImage       ChallengeType = "image"
)

// ChallengeInfo describes a challenge found on a page.
type ChallengeInfo struct {
	Type     ChallengeType
	Selector string
	SiteKey  string
	PageURL  string
}

// Navigation reports what the transport observed for the main document.
type Navigation struct {
	FinalURL   string
	StatusCode int
	Headers    map[string]string
}
