// Package crawler defines the shared vocabulary of the event crawler: the
// scraping result and event data model, the error taxonomy, and the
// interfaces that connect the store, the session providers, the captcha
// layer, and the orchestrator.
package crawler
