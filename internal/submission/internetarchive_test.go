package submission

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/timetravel/internal/fetcher/colly"
	"github.com/JakeFAU/timetravel/internal/memento"
)

const submitBody = `<html><script>spn.watchJob("spn2-0123abcd", "/_static/", 6000);</script></html>`

func jobBody(id string) []byte {
	return []byte(`<script>Job("` + id + `", "/_static/", 6000);</script>`)
}

func TestInternetArchiveSubmitAndPoll(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []memento.Response{
		{StatusCode: http.StatusOK, Body: jobBody("spn2-abc")},
		{StatusCode: http.StatusOK, Body: []byte(`{"status":"pending"}`)},
		{StatusCode: http.StatusOK, Body: []byte(`{"status":"success","timestamp":"20240301100000"}`)},
	}}
	s := NewInternetArchive("https://x.test", InternetArchiveConfig{}, "timetravel/1.0", fetcher, nil)

	res, err := s.Submit(context.Background())
	require.NoError(t, err)
	require.False(t, res.IsDone)
	require.Equal(t, "spn2-abc", s.JobID())

	submit := fetcher.requests[0]
	require.Equal(t, http.MethodPost, submit.Method)
	require.Equal(t, "https://web.archive.org/save/https://x.test", submit.URL)
	require.Equal(t, url.Values{"url": {"https://x.test"}, "capture_all": {"on"}}, submit.Form)
	require.Equal(t, "timetravel/1.0", submit.Headers.Get("User-Agent"))

	res, err = s.CheckStatus(context.Background())
	require.NoError(t, err)
	require.False(t, res.IsDone)
	require.Empty(t, res.FinalURL)
	require.Equal(t, "https://web.archive.org/save/status/spn2-abc", fetcher.requests[1].URL)

	res, err = s.CheckStatus(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsDone)
	require.Equal(t, "https://web.archive.org/web/20240301100000/https://x.test", res.FinalURL)
	require.NotNil(t, res.Timestamp)
	require.Equal(t, time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC), *res.Timestamp)

	cached, err := s.CheckStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, res, cached)
	require.Equal(t, 3, fetcher.calls())
}

func TestInternetArchiveMissingJobID(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []memento.Response{
		{StatusCode: http.StatusOK, Body: []byte("<html>maintenance</html>")},
	}}
	s := NewInternetArchive("https://x.test", InternetArchiveConfig{}, "", fetcher, nil)

	_, err := s.Submit(context.Background())
	require.ErrorIs(t, err, ErrJobIDNotFound)
	_, err = s.CheckStatus(context.Background())
	require.ErrorIs(t, err, ErrNotSubmitted)
}

func TestInternetArchiveJobPatternIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	match := jobIDPattern.FindSubmatch([]byte(submitBody))
	require.NotNil(t, match)
	require.Equal(t, "spn2-0123abcd", string(match[1]))
	require.Nil(t, jobIDPattern.FindSubmatch([]byte(`Job("bad/token", x)`)))
}

func TestInternetArchiveSubmitRedirectIsDone(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []memento.Response{{StatusCode: http.StatusFound}}}
	s := NewInternetArchive("https://x.test", InternetArchiveConfig{}, "", fetcher, nil)

	res, err := s.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, memento.SubmissionResult{StatusCode: http.StatusFound, IsDone: true}, res)

	again, err := s.CheckStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, res, again)
	require.Equal(t, 1, fetcher.calls())
}

func TestInternetArchiveTerminalStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status memento.Response
	}{
		{name: "error status", status: memento.Response{StatusCode: http.StatusServiceUnavailable}},
		{name: "unknown job status", status: memento.Response{StatusCode: http.StatusOK, Body: []byte(`{"status":"error"}`)}},
		{name: "success without timestamp", status: memento.Response{StatusCode: http.StatusOK, Body: []byte(`{"status":"success"}`)}},
		{name: "not json", status: memento.Response{StatusCode: http.StatusOK, Body: []byte(`<html/>`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fetcher := &scriptedFetcher{responses: []memento.Response{
				{StatusCode: http.StatusOK, Body: jobBody("job-1")},
				tc.status,
			}}
			s := NewInternetArchive("https://x.test", InternetArchiveConfig{}, "", fetcher, nil)
			_, err := s.Submit(context.Background())
			require.NoError(t, err)

			res, err := s.CheckStatus(context.Background())
			require.NoError(t, err)
			require.True(t, res.IsDone)
			require.Empty(t, res.FinalURL)
			require.Equal(t, tc.status.StatusCode, res.StatusCode)

			_, err = s.CheckStatus(context.Background())
			require.NoError(t, err)
			require.Equal(t, 2, fetcher.calls())
		})
	}
}

func TestInternetArchiveOverHTTP(t *testing.T) {
	t.Parallel()

	forms := make(chan url.Values, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/save/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		forms <- form
		_, _ = w.Write(jobBody("spn2-http"))
	})
	mux.HandleFunc("/status/spn2-http", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","timestamp":"20240301100000"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: time.Second, FollowRedirects: true})
	s := NewInternetArchive("https://x.test", InternetArchiveConfig{
		SubmitURL:   srv.URL + "/save/",
		StatusURL:   srv.URL + "/status/",
		SnapshotURL: "https://snap.example/web/",
	}, "", fetcher, nil)

	res, err := s.Submit(context.Background())
	require.NoError(t, err)
	require.False(t, res.IsDone)
	form := <-forms
	require.Equal(t, "https://x.test", form.Get("url"))
	require.Equal(t, "on", form.Get("capture_all"))

	res, err = s.CheckStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://snap.example/web/20240301100000/https://x.test", res.FinalURL)
}
