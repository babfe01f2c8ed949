package admission

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBlocklist(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		bl := NewBlocklist([]string{" Example.org "})
		require.NotNil(t, bl)
		assert.True(t, bl.Blocked("example.org"))
		assert.True(t, bl.Blocked("www.example.org"))
		assert.False(t, bl.Blocked("tickets.example.org"), "exact entries do not cover subdomains")
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		bl := NewBlocklist([]string{"*.ru", ".test", "*.ru"})
		require.NotNil(t, bl)
		cases := []struct {
			host    string
			blocked bool
		}{
			{"example.ru", true},
			{"sub.domain.ru", true},
			{"ru", true},
			{"venue.test", true},
			{"example.com", false},
			{"guru", false},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.blocked, bl.Blocked(tc.host), tc.host)
		}
		assert.Len(t, bl.suffixes, 2)
	})

	t.Run("empty and nil", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, NewBlocklist([]string{"", "  ", "*."}))
		var bl *Blocklist
		assert.False(t, bl.Blocked("anything"))
	})
}

func robotsServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRobotsAllowed(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private\nDisallow: /*?preview=\n", &hits)
	robots := NewRobots(srv.Client(), "eventcrawler", zap.NewNop())
	ctx := context.Background()

	assert.True(t, robots.Allowed(ctx, srv.URL+"/events/1"))
	assert.False(t, robots.Allowed(ctx, srv.URL+"/private/admin"))
	assert.False(t, robots.Allowed(ctx, srv.URL+"/events/1?preview=1"))
	assert.True(t, robots.Allowed(ctx, srv.URL))
	assert.EqualValues(t, 1, hits.Load(), "robots.txt is fetched once per host")
}

func TestRobotsStatusHandling(t *testing.T) {
	t.Parallel()

	var missing, failing atomic.Int32
	notFound := robotsServer(t, http.StatusNotFound, "", &missing)
	broken := robotsServer(t, http.StatusServiceUnavailable, "", &failing)
	ctx := context.Background()

	assert.True(t, NewRobots(notFound.Client(), "eventcrawler", nil).Allowed(ctx, notFound.URL+"/events/1"))
	assert.False(t, NewRobots(broken.Client(), "eventcrawler", nil).Allowed(ctx, broken.URL+"/events/1"))
}

func TestRobotsFetchFailureAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	assert.True(t, NewRobots(nil, "eventcrawler", nil).Allowed(context.Background(), url+"/events/1"))
}

func TestPolicyAdmit(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, http.StatusOK, "User-agent: eventcrawler\nDisallow: /members\n", &hits)
	p := New(Config{BlockedDomains: []string{"*.spam.example"}, RespectRobots: true, UserAgent: "eventcrawler"}, zap.NewNop())
	require.NotNil(t, p)
	ctx := context.Background()

	assert.NoError(t, p.Admit(ctx, srv.URL+"/events/1"))
	assert.ErrorIs(t, p.Admit(ctx, srv.URL+"/members/only"), ErrRobots)
	assert.ErrorIs(t, p.Admit(ctx, "https://www.spam.example/events/1"), ErrBlockedDomain)
	assert.EqualValues(t, 1, hits.Load(), "blocklisted hosts never trigger a robots fetch")
}

func TestNewWithoutChecksAdmitsEverything(t *testing.T) {
	t.Parallel()

	p := New(Config{}, nil)
	assert.Nil(t, p)
	assert.NoError(t, p.Admit(context.Background(), "https://example.com/events/1"))
}
