package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/config"
	"github.com/JakeFAU/timetravel/internal/depot"
	"github.com/JakeFAU/timetravel/internal/dispatcher"
	"github.com/JakeFAU/timetravel/internal/memento"
	queueMemory "github.com/JakeFAU/timetravel/internal/queue/memory"
	"github.com/JakeFAU/timetravel/internal/storage/memory"
)

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, memento.Request) (memento.Response, error) {
	return memento.Response{StatusCode: http.StatusNotFound}, nil
}

type testEnv struct {
	server *Server
	store  *memory.ResolutionStore
	queue  *queueMemory.Queue
}

func newTestEnv(t *testing.T, cfg config.Config, ready ...ReadinessCheck) *testEnv {
	t.Helper()
	registry, err := depot.NewRegistry([]depot.Config{
		{Name: "Internet Archive", TimeGatePrefix: "https://web.archive.org/web/", FallbackPrefix: "https://web.archive.org/web/*/"},
		{Name: "archive.today", TimeGatePrefix: "https://archive.today/timegate/"},
	}, nopFetcher{}, "", "", zap.NewNop())
	require.NoError(t, err)

	env := &testEnv{store: memory.NewResolutionStore(), queue: queueMemory.NewQueue(10)}
	env.server = NewServer(
		env.store,
		dispatcher.New(env.queue, nil),
		registry,
		&fakeIDGen{ids: []string{"res-1", "res-2"}},
		&fakeClock{now: time.Unix(100, 0)},
		cfg,
		zap.NewNop(),
		ready...,
	)
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

type failingEnqueuer struct {
	err error
}

func (f failingEnqueuer) Enqueue(context.Context, memento.QueueItem) error {
	return f.err
}

func TestServer_CreateResolution_EnqueueFailureMarksFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.server.dispatcher = failingEnqueuer{err: errors.New("queue full")}

	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/resolutions",
		bytes.NewBufferString(`{"url":"https://example.com/a"}`)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "queue full")

	res, err := env.store.GetResolution(context.Background(), "res-1")
	require.NoError(t, err)
	require.Equal(t, memento.StatusFailed, res.Status)
	require.Contains(t, res.ErrorText, "queue full")
	require.Equal(t, -1, res.ErrorCode)
	require.Equal(t, "https://web.archive.org/web/*/https://example.com/a", res.FallbackURL)
	require.NotNil(t, res.Finished)

	get := env.do(httptest.NewRequest(http.MethodGet, "/v1/resolutions/res-1", nil))
	require.Equal(t, http.StatusOK, get.Code)
	require.Contains(t, get.Body.String(), `"status":"failed"`)
}

func TestServer_CreateResolution_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/resolutions",
		bytes.NewBufferString(`{"url":"https://example.com/a?utm=1","depot":"archive.today"}`))
	rec := env.do(req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "/v1/resolutions/res-1", rec.Header().Get("Location"))
	require.JSONEq(t, `{"id":"res-1","status":"queued"}`, rec.Body.String())

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, memento.QueueItem{
		ResolutionID: "res-1",
		URL:          "https://example.com/a?utm=1",
		Depot:        "archive.today",
		Attempt:      1,
		Submitted:    100,
	}, item)

	res, err := env.store.GetResolution(context.Background(), "res-1")
	require.NoError(t, err)
	require.Equal(t, memento.StatusQueued, res.Status)
}

func TestServer_CreateResolution_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{name: "invalid json", body: "{invalid", status: http.StatusBadRequest, want: "invalid JSON"},
		{name: "missing url", body: `{}`, status: http.StatusBadRequest, want: "invalid url"},
		{name: "bad scheme", body: `{"url":"ftp://example.com"}`, status: http.StatusBadRequest, want: "unsupported scheme"},
		{name: "unknown depot", body: `{"url":"https://example.com","depot":"nope"}`, status: http.StatusBadRequest, want: "unknown depot"},
		{name: "host not allowed", body: `{"url":"https://evil.test/x"}`, status: http.StatusForbidden, want: "not allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.Config{Resolver: config.ResolverConfig{Allowlist: []string{"Example.com."}}})
			rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/resolutions", bytes.NewBufferString(tc.body)))
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
			require.Zero(t, env.queue.Len())
		})
	}
}

func TestServer_HostAllowed(t *testing.T) {
	t.Parallel()

	s := &Server{allowlist: normalizeAllowlist([]string{" example.com ", ""})}
	require.True(t, s.hostAllowed("https://example.com/a"))
	require.True(t, s.hostAllowed("https://www.EXAMPLE.com/a"))
	require.False(t, s.hostAllowed("https://notexample.com/a"))

	open := &Server{}
	require.True(t, open.hostAllowed("https://anything.test"))
}

func TestServer_GetResolution(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.store.CreateResolution(context.Background(), memento.Resolution{
		ID: "abc", URL: "https://example.com", Status: memento.StatusQueued, Submitted: time.Unix(100, 0).UTC(),
	}))
	require.NoError(t, env.store.UpdateResolution(context.Background(), memento.ResolutionUpdate{
		ID:          "abc",
		Status:      memento.StatusFailed,
		ErrorText:   "exhausted",
		ErrorCode:   404,
		FallbackURL: "https://web.archive.org/web/*/https://example.com",
		At:          time.Unix(200, 0),
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/resolutions/abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got memento.Resolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, memento.StatusFailed, got.Status)
	require.Equal(t, 404, got.ErrorCode)
	require.Equal(t, "https://web.archive.org/web/*/https://example.com", got.FallbackURL)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/resolutions/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Fallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/fallback?url=https://example.com/a%3Fq%3D1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"url":"https://example.com/a","fallback_url":"https://web.archive.org/web/*/https://example.com/a"}`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/fallback", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Depots(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/depots", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"depots":[
		{"name":"Internet Archive","time_gate":"https://web.archive.org/web/","fallback":"https://web.archive.org/web/*/"},
		{"name":"archive.today","time_gate":"https://archive.today/timegate/"}
	]}`, rec.Body.String())
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	require.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "timetravel_http_requests_total")

	failing := newTestEnv(t, config.Config{}, func(context.Context) error { return errors.New("db down") })
	require.Equal(t, http.StatusServiceUnavailable, failing.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/depots", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/depots", nil)
	req.Header.Set("X-API-Key", "secret")
	require.Equal(t, http.StatusOK, env.do(req).Code)

	require.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/v1/depots?api_key=secret", nil)).Code)
	require.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code,
		"health endpoints stay open")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "given")
	require.Equal(t, "given", env.do(req).Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
