package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS scraping_results (
	url_hash TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	success INTEGER NOT NULL DEFAULT 0,
	data TEXT,
	extraction_method TEXT,
	status_code INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	last_scraped INTEGER,
	last_attempt INTEGER NOT NULL,
	last_error_kind TEXT,
	last_error_message TEXT,
	failure_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS selector_patterns (
	pattern_id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	element_type TEXT NOT NULL,
	selector TEXT NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_used INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_selector_patterns_domain ON selector_patterns(domain, element_type);

CREATE TABLE IF NOT EXISTS proxy_health (
	proxy_url TEXT PRIMARY KEY,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	total_response_time_ms INTEGER NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	last_used INTEGER,
	last_failed INTEGER
);

CREATE TABLE IF NOT EXISTS metrics_snapshots (
	id TEXT PRIMARY KEY,
	taken_at INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	processed INTEGER NOT NULL,
	successful INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	cache_hits INTEGER NOT NULL,
	retries INTEGER NOT NULL,
	total_response_time_ms INTEGER NOT NULL,
	by_method TEXT NOT NULL
);
`
