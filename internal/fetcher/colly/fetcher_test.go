package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/timetravel/internal/memento"
)

func TestFetchDoesNotFollowRedirects(t *testing.T) {
	t.Parallel()

	var followed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/snapshot" {
			followed.Store(true)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Location", "/snapshot")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), memento.Request{URL: srv.URL + "/timegate/https://x.test"})
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/snapshot", resp.Headers.Get("Location"))
	require.False(t, followed.Load())
}

func TestFetchFollowsRedirectsWhenEnabled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, "/final", http.StatusFound)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, FollowRedirects: true})
	resp, err := f.Fetch(context.Background(), memento.Request{URL: srv.URL + "/start"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFetchReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), memento.Request{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "down", string(resp.Body))
}

func TestFetchSendsUserAgentAndForm(t *testing.T) {
	t.Parallel()

	type captured struct {
		ua     string
		method string
		form   url.Values
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		seen <- captured{ua: r.UserAgent(), method: r.Method, form: r.PostForm}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "timetravel-test/1.0", Timeout: time.Second})
	_, err := f.Fetch(context.Background(), memento.Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/save/https://x.test",
		Form:   url.Values{"url": {"https://x.test"}, "capture_all": {"on"}},
	})
	require.NoError(t, err)
	got := <-seen
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "timetravel-test/1.0", got.ua)
	require.Equal(t, "https://x.test", got.form.Get("url"))
	require.Equal(t, "on", got.form.Get("capture_all"))
}

func TestFetchConsultsLimiter(t *testing.T) {
	t.Parallel()

	f := New(Config{Limiter: limiterFunc(func(context.Context, string) error {
		return errors.New("slow down")
	})})
	_, err := f.Fetch(context.Background(), memento.Request{URL: "https://example.com"})
	require.ErrorContains(t, err, "slow down")
}

func TestFetchReturnsWhenContextEndsMidResponse(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp, err := New(Config{}).Fetch(ctx, memento.Request{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, resp.StatusCode)
}

func TestFetchRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}).Fetch(context.Background(), memento.Request{})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := memento.Request{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	start := time.Unix(0, 0)
	var result memento.Response
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusFound,
		Body:       []byte("body"),
		Headers:    &http.Header{"Location": {"https://a.example/web/1"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	require.Equal(t, http.StatusFound, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "https://a.example/web/1", result.Headers.Get("Location"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{Headers: &http.Header{}}
	copyHeaders(nil, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type limiterFunc func(context.Context, string) error

func (f limiterFunc) Wait(ctx context.Context, url string) error {
	return f(ctx, url)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
