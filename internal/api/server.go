// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/metrics"
	queueMemory "github.com/JakeFAU/event-crawler/internal/queue/memory"
)

// maxSubmitURLs caps one POST /v1/urls body.
const maxSubmitURLs = 1000

// Enqueuer accepts URLs for the stream scheduler without blocking.
type Enqueuer interface {
	TryEnqueue(url string) error
}

// Crawl reports live orchestrator state.
type Crawl interface {
	Snapshot() crawler.MetricsSnapshot
	Stopped() bool
}

// Inspector reads persisted proxy and selector statistics.
type Inspector interface {
	ListProxies(ctx context.Context) ([]crawler.ProxyHealth, error)
	GetLearnedSelectors(ctx context.Context, domain, elementType string, limit int) ([]crawler.SelectorPattern, error)
}

// Server wires HTTP handlers to the queue, orchestrator and store.
type Server struct {
	router    chi.Router
	queue     Enqueuer
	crawl     Crawl
	inspector Inspector
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. An empty apiKey
// disables authentication.
func NewServer(queue Enqueuer, crawl Crawl, inspector Inspector, apiKey string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:     queue,
		crawl:     crawl,
		inspector: inspector,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if apiKey != "" {
			r.Use(s.apiKeyMiddleware(apiKey))
		}
		r.Post("/urls", s.submitURLs)
		r.Get("/stats", s.stats)
		r.Get("/proxies", s.proxies)
		r.Get("/selectors/{domain}", s.selectors)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.crawl.Stopped() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URLs []string `json:"urls"`
}

type submitResponse struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

func (s *Server) submitURLs(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > maxSubmitURLs {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per request", maxSubmitURLs))
		return
	}
	normalized := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		u, err := crawler.NormalizeURL(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		normalized = append(normalized, u)
	}

	resp := submitResponse{}
	for i, u := range normalized {
		err := s.queue.TryEnqueue(u)
		if err == nil {
			resp.Accepted++
			continue
		}
		if errors.Is(err, queueMemory.ErrFull) || errors.Is(err, queueMemory.ErrClosed) {
			resp.Rejected = normalized[i:]
			s.logger.Warn("queue refused urls", zap.Int("rejected", len(resp.Rejected)), zap.Error(err))
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.crawl.Snapshot())
}

type proxyView struct {
	crawler.ProxyHealth
	SuccessRatio      float64 `json:"success_ratio"`
	AverageResponseMs int64   `json:"average_response_ms"`
}

func (s *Server) proxies(w http.ResponseWriter, r *http.Request) {
	list, err := s.inspector.ListProxies(r.Context())
	if err != nil {
		s.logger.Error("list proxies failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list proxies")
		return
	}
	out := make([]proxyView, 0, len(list))
	for _, p := range list {
		out = append(out, proxyView{
			ProxyHealth:       p,
			SuccessRatio:      p.SuccessRatio(),
			AverageResponseMs: p.AverageResponseTime().Milliseconds(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proxies": out})
}

type selectorView struct {
	Field        string    `json:"field"`
	Selector     string    `json:"selector"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	SuccessRatio float64   `json:"success_ratio"`
	LastUsed     time.Time `json:"last_used"`
}

func (s *Server) selectors(w http.ResponseWriter, r *http.Request) {
	domain := crawler.Domain("//" + chi.URLParam(r, "domain"))
	if domain == "" {
		s.writeError(w, http.StatusBadRequest, "domain required")
		return
	}
	patterns, err := s.inspector.GetLearnedSelectors(r.Context(), domain, "", 0)
	if err != nil {
		s.logger.Error("list selectors failed", zap.String("domain", domain), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list selectors")
		return
	}
	out := make([]selectorView, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, selectorView{
			Field:        p.ElementType,
			Selector:     p.Selector,
			SuccessCount: p.SuccessCount,
			FailureCount: p.FailureCount,
			SuccessRatio: p.SuccessRatio(),
			LastUsed:     p.LastUsed,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "selectors": out})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
