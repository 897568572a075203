package submission

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/timetravel/internal/memento"
)

func TestArchiveTodaySubmitReadsRefreshHeader(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	fetcher := &scriptedFetcher{responses: []memento.Response{{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Refresh": {"0;url=https://archive.today/abc123"}},
	}}}
	a := NewArchiveToday("https://x.test", ArchiveTodayConfig{}, "timetravel/1.0", fetcher, fixedClock{now}, nil)

	res, err := a.Submit(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsDone)
	require.Equal(t, "https://archive.today/abc123", res.FinalURL)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotNil(t, res.Timestamp)
	require.Equal(t, now, *res.Timestamp)

	require.Len(t, fetcher.requests, 1)
	req := fetcher.requests[0]
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "https://archive.today/submit/?url=https://x.test", req.URL)
	require.Equal(t, "timetravel/1.0", req.Headers.Get("User-Agent"))

	replay, err := a.CheckStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, res, replay)
	require.Equal(t, 1, fetcher.calls(), "status check must not contact the service")
	require.Equal(t, ArchiveTodayName, a.Name())
	require.Zero(t, a.WaitBetweenStatus())
}

func TestArchiveTodayErrorStatusIsDoneWithoutURL(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []memento.Response{{
		StatusCode: http.StatusTooManyRequests,
		Headers:    http.Header{"Refresh": {"0;url=https://archive.today/ignored"}},
	}}}
	a := NewArchiveToday("https://x.test", ArchiveTodayConfig{}, "", fetcher, nil, nil)

	res, err := a.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, memento.SubmissionResult{StatusCode: http.StatusTooManyRequests, IsDone: true}, res)
	require.Nil(t, fetcher.requests[0].Headers)
}

func TestArchiveTodayMissingRefreshIsDoneWithoutURL(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{responses: []memento.Response{{StatusCode: http.StatusOK, Headers: http.Header{}}}}
	a := NewArchiveToday("https://x.test", ArchiveTodayConfig{SubmitURL: "https://mirror.example/submit/"}, "", fetcher, nil, nil)

	res, err := a.Submit(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsDone)
	require.Empty(t, res.FinalURL)
	require.Nil(t, res.Timestamp)
	require.Equal(t, "https://mirror.example/submit/?url=https://x.test", fetcher.requests[0].URL)
}

func TestArchiveTodayTransportError(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{errs: []error{errors.New("dial tcp: refused")}}
	a := NewArchiveToday("https://x.test", ArchiveTodayConfig{}, "", fetcher, nil, nil)

	_, err := a.Submit(context.Background())
	require.ErrorContains(t, err, "refused")
	_, err = a.CheckStatus(context.Background())
	require.ErrorIs(t, err, ErrNotSubmitted)
}

func TestRefreshTarget(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0;url=https://archive.today/abc":   "https://archive.today/abc",
		"5; URL=https://archive.today/xyz ": "https://archive.today/xyz",
		`0;url="https://archive.today/quo"`: "https://archive.today/quo",
		"0":                                 "",
		"":                                  "",
	}
	for header, want := range cases {
		require.Equal(t, want, refreshTarget(header), header)
	}
}
