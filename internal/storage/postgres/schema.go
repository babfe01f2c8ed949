package postgres

const schema = `
CREATE TABLE IF NOT EXISTS scraping_results (
	url_hash TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	data JSONB,
	extraction_method TEXT,
	status_code INTEGER NOT NULL DEFAULT 0,
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	last_scraped TIMESTAMPTZ,
	last_attempt TIMESTAMPTZ NOT NULL,
	last_error_kind TEXT,
	last_error_message TEXT,
	failure_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS selector_patterns (
	pattern_id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	element_type TEXT NOT NULL,
	selector TEXT NOT NULL,
	success_count BIGINT NOT NULL DEFAULT 0,
	failure_count BIGINT NOT NULL DEFAULT 0,
	last_used TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_selector_patterns_domain ON selector_patterns (domain, element_type);

CREATE TABLE IF NOT EXISTS proxy_health (
	proxy_url TEXT PRIMARY KEY,
	success_count BIGINT NOT NULL DEFAULT 0,
	failure_count BIGINT NOT NULL DEFAULT 0,
	consecutive_failures BIGINT NOT NULL DEFAULT 0,
	total_response_time_ms BIGINT NOT NULL DEFAULT 0,
	request_count BIGINT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_used TIMESTAMPTZ,
	last_failed TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS metrics_snapshots (
	id UUID PRIMARY KEY,
	taken_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	processed BIGINT NOT NULL,
	successful BIGINT NOT NULL,
	failed BIGINT NOT NULL,
	cache_hits BIGINT NOT NULL,
	retries BIGINT NOT NULL,
	total_response_time_ms BIGINT NOT NULL,
	by_method JSONB NOT NULL
);
`
