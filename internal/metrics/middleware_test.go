package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/urls", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/v1/selectors/{domain}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	accepted := httpRequestsTotal.WithLabelValues(http.MethodPost, "202")
	unavailable := httpRequestsTotal.WithLabelValues(http.MethodGet, "503")
	acceptedBefore := testutil.ToFloat64(accepted)
	unavailableBefore := testutil.ToFloat64(unavailable)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/urls", nil),
		httptest.NewRequest(http.MethodPost, "/v1/urls", nil),
		httptest.NewRequest(http.MethodGet, "/v1/selectors/example.com", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.InDelta(t, 2, testutil.ToFloat64(accepted)-acceptedBefore, 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(unavailable)-unavailableBefore, 1e-9)

	// Durations are labeled by route pattern, so per-domain paths share one series.
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "http_request_duration_seconds")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2)
	hist, ok := httpRequestDurationSeconds.WithLabelValues(http.MethodGet, "/v1/selectors/{domain}").(prometheus.Histogram)
	require.True(t, ok)
	assert.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	Init()
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	ok := httpRequestsTotal.WithLabelValues(http.MethodGet, "200")
	before := testutil.ToFloat64(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, "ok", rec.Body.String())
	assert.InDelta(t, 1, testutil.ToFloat64(ok)-before, 1e-9)
}
