package submission

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/clock/system"
	"github.com/JakeFAU/timetravel/internal/memento"
)

// ArchiveTodayName is the display label of the archive.today adapter.
const ArchiveTodayName = "archive.today"

// DefaultArchiveTodaySubmitURL is the public archive.today submit endpoint.
const DefaultArchiveTodaySubmitURL = "https://archive.today/submit/"

// ArchiveToday submits with a single GET and reads the snapshot location from
// the refresh header. It is done as soon as Submit returns.
type ArchiveToday struct {
	url       string
	submitURL string
	userAgent string
	fetcher   memento.Fetcher
	clock     memento.Clock
	logger    *zap.Logger

	submitted bool
	result    memento.SubmissionResult
}

// NewArchiveToday binds an archive.today adapter to url.
func NewArchiveToday(
	url string,
	cfg ArchiveTodayConfig,
	userAgent string,
	fetcher memento.Fetcher,
	clock memento.Clock,
	logger *zap.Logger,
) *ArchiveToday {
	if cfg.SubmitURL == "" {
		cfg.SubmitURL = DefaultArchiveTodaySubmitURL
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveToday{
		url:       url,
		submitURL: cfg.SubmitURL,
		userAgent: userAgent,
		fetcher:   fetcher,
		clock:     clock,
		logger:    logger.With(zap.String("submitter", ArchiveTodayName)),
	}
}

// Name implements memento.Submitter.
func (a *ArchiveToday) Name() string { return ArchiveTodayName }

// WaitBetweenStatus implements memento.Submitter. No polling is needed.
func (a *ArchiveToday) WaitBetweenStatus() time.Duration { return 0 }

// Submit implements memento.Submitter.
func (a *ArchiveToday) Submit(ctx context.Context) (memento.SubmissionResult, error) {
	fullURL := a.submitURL + "?url=" + a.url
	a.logger.Info("submitting url", zap.String("submit_url", fullURL))

	submittedAt := a.clock.Now().UTC()
	resp, err := a.fetcher.Fetch(ctx, memento.Request{
		Method:  http.MethodGet,
		URL:     fullURL,
		Headers: userAgentHeader(a.userAgent),
	})
	if err != nil {
		return memento.SubmissionResult{}, fmt.Errorf("archive.today submit: %w", err)
	}

	a.submitted = true
	a.result = memento.SubmissionResult{StatusCode: resp.StatusCode, IsDone: true}
	if resp.StatusCode >= 400 {
		a.logger.Warn("submit rejected", zap.Int("status_code", resp.StatusCode))
		return a.result, nil
	}

	finalURL := refreshTarget(resp.Headers.Get("Refresh"))
	if finalURL == "" {
		a.logger.Warn("submit response has no refresh target", zap.Int("status_code", resp.StatusCode))
		return a.result, nil
	}
	a.result.FinalURL = finalURL
	a.result.Timestamp = &submittedAt
	a.logger.Info("submission accepted", zap.String("final_url", finalURL))
	return a.result, nil
}

// CheckStatus replays the result of Submit.
func (a *ArchiveToday) CheckStatus(context.Context) (memento.SubmissionResult, error) {
	if !a.submitted {
		return memento.SubmissionResult{}, ErrNotSubmitted
	}
	return a.result, nil
}

// refreshTarget returns what follows "url=" in a "<seconds>;url=<target>" header.
func refreshTarget(header string) string {
	idx := strings.Index(strings.ToLower(header), "url=")
	if idx < 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(header[idx+len("url="):]), `"'`)
}
