package captcha

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

type fakeTwoCaptcha struct {
	mu        sync.Mutex
	forms     []map[string]string
	pending   atomic.Int32
	resStatus string
}

func (f *fakeTwoCaptcha) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.forms = append(f.forms, form)
		f.mu.Unlock()
		fmt.Fprint(w, `{"status":1,"request":"task-42"}`)
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "task-42" || r.URL.Query().Get("action") != "get" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if f.pending.Add(-1) >= 0 {
			fmt.Fprint(w, `{"status":0,"request":"CAPCHA_NOT_READY"}`)
			return
		}
		if f.resStatus != "" {
			fmt.Fprintf(w, `{"status":0,"request":%q}`, f.resStatus)
			return
		}
		fmt.Fprint(w, `{"status":1,"request":"solved-token"}`)
	})
	return mux
}

func newTestClient(t *testing.T, srv *httptest.Server) *TwoCaptcha {
	t.Helper()
	c, err := NewTwoCaptcha(TwoCaptchaConfig{
		APIKey:       "secret",
		BaseURL:      srv.URL + "/",
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
		HTTPClient:   srv.Client(),
	}, nil)
	require.NoError(t, err)
	return c
}

func TestNewTwoCaptchaRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := NewTwoCaptcha(TwoCaptchaConfig{APIKey: "  "}, nil)
	assert.Error(t, err)
}

func TestTwoCaptchaSolvePolls(t *testing.T) {
	t.Parallel()
	fake := &fakeTwoCaptcha{}
	fake.pending.Store(2)
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	token, err := newTestClient(t, srv).Solve(context.Background(), crawler.ChallengeInfo{
		Type:    crawler.ChallengeRecaptchaV3,
		SiteKey: "gkey",
		PageURL: "https://events.example.com/e/1",
	})
	require.NoError(t, err)
	assert.Equal(t, "solved-token", token)

	require.Len(t, fake.forms, 1)
	form := fake.forms[0]
	assert.Equal(t, "secret", form["key"])
	assert.Equal(t, "userrecaptcha", form["method"])
	assert.Equal(t, "gkey", form["googlekey"])
	assert.Equal(t, "v3", form["version"])
	assert.Equal(t, "https://events.example.com/e/1", form["pageurl"])
	assert.Equal(t, "1", form["json"])
}

func TestTwoCaptchaMethods(t *testing.T) {
	t.Parallel()
	c, err := NewTwoCaptcha(TwoCaptchaConfig{APIKey: "k"}, nil)
	require.NoError(t, err)

	form, err := c.submission(crawler.ChallengeInfo{Type: crawler.ChallengeHCaptcha, SiteKey: "h"})
	require.NoError(t, err)
	assert.Equal(t, "hcaptcha", form.Get("method"))
	assert.Equal(t, "h", form.Get("sitekey"))

	form, err = c.submission(crawler.ChallengeInfo{Type: crawler.ChallengeFunCaptcha, SiteKey: "f"})
	require.NoError(t, err)
	assert.Equal(t, "funcaptcha", form.Get("method"))
	assert.Equal(t, "f", form.Get("publickey"))

	_, err = c.submission(crawler.ChallengeInfo{Type: crawler.ChallengeImage, SiteKey: "x"})
	assert.Error(t, err)
	_, err = c.submission(crawler.ChallengeInfo{Type: crawler.ChallengeRecaptchaV2})
	assert.Error(t, err)
}

func TestTwoCaptchaTaskFailure(t *testing.T) {
	t.Parallel()
	fake := &fakeTwoCaptcha{resStatus: "ERROR_CAPTCHA_UNSOLVABLE"}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	_, err := newTestClient(t, srv).Solve(context.Background(), crawler.ChallengeInfo{Type: crawler.ChallengeRecaptchaV2, SiteKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_CAPTCHA_UNSOLVABLE")
}

func TestTwoCaptchaSubmitRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":0,"request":"ERROR_WRONG_USER_KEY"}`)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestClient(t, srv).Solve(context.Background(), crawler.ChallengeInfo{Type: crawler.ChallengeRecaptchaV2, SiteKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_WRONG_USER_KEY")
}

func TestTwoCaptchaRespectsContext(t *testing.T) {
	t.Parallel()
	fake := &fakeTwoCaptcha{}
	fake.pending.Store(1 << 20)
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv).Solve(ctx, crawler.ChallengeInfo{Type: crawler.ChallengeRecaptchaV2, SiteKey: "k"})
	assert.Error(t, err)
}
