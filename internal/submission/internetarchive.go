package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/depot"
	"github.com/JakeFAU/timetravel/internal/memento"
	"github.com/JakeFAU/timetravel/internal/metrics"
)

// InternetArchiveName is the display label of the Internet Archive adapter.
const InternetArchiveName = "Internet Archive"

// Public Save Page Now endpoints.
const (
	DefaultInternetArchiveSubmitURL   = "https://web.archive.org/save/"
	DefaultInternetArchiveStatusURL   = "https://web.archive.org/save/status/"
	DefaultInternetArchiveSnapshotURL = "https://web.archive.org/web/"
	DefaultInternetArchiveWait        = 2 * time.Second
)

const (
	jobStatusPending = "pending"
	jobStatusSuccess = "success"
)

var jobIDPattern = regexp.MustCompile(`(?i)Job\("([^ ",\\/:]+)",`)

type jobStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// InternetArchive starts a Save Page Now job and polls it until it settles.
type InternetArchive struct {
	url       string
	cfg       InternetArchiveConfig
	userAgent string
	fetcher   memento.Fetcher
	logger    *zap.Logger

	jobID  string
	done   bool
	result memento.SubmissionResult
}

// NewInternetArchive binds an Internet Archive adapter to url.
func NewInternetArchive(
	url string,
	cfg InternetArchiveConfig,
	userAgent string,
	fetcher memento.Fetcher,
	logger *zap.Logger,
) *InternetArchive {
	if cfg.SubmitURL == "" {
		cfg.SubmitURL = DefaultInternetArchiveSubmitURL
	}
	if cfg.StatusURL == "" {
		cfg.StatusURL = DefaultInternetArchiveStatusURL
	}
	if cfg.SnapshotURL == "" {
		cfg.SnapshotURL = DefaultInternetArchiveSnapshotURL
	}
	if cfg.WaitBetweenStatus < 0 {
		cfg.WaitBetweenStatus = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InternetArchive{
		url:       url,
		cfg:       cfg,
		userAgent: userAgent,
		fetcher:   fetcher,
		logger:    logger.With(zap.String("submitter", InternetArchiveName)),
	}
}

// Name implements memento.Submitter.
func (s *InternetArchive) Name() string { return InternetArchiveName }

// WaitBetweenStatus implements memento.Submitter.
func (s *InternetArchive) WaitBetweenStatus() time.Duration { return s.cfg.WaitBetweenStatus }

// JobID returns the job token captured by Submit.
func (s *InternetArchive) JobID() string { return s.jobID }

// Submit posts the capture form and records the job id. A missing job token
// is reported as ErrJobIDNotFound.
func (s *InternetArchive) Submit(ctx context.Context) (memento.SubmissionResult, error) {
	fullURL := s.cfg.SubmitURL + s.url
	s.logger.Info("submitting url", zap.String("submit_url", fullURL))

	resp, err := s.fetcher.Fetch(ctx, memento.Request{
		Method:  http.MethodPost,
		URL:     fullURL,
		Headers: userAgentHeader(s.userAgent),
		Form:    url.Values{"url": {s.url}, "capture_all": {"on"}},
	})
	if err != nil {
		return memento.SubmissionResult{}, fmt.Errorf("internet archive submit: %w", err)
	}
	if resp.StatusCode >= 300 {
		s.logger.Warn("submit rejected", zap.Int("status_code", resp.StatusCode))
		return s.finish(memento.SubmissionResult{StatusCode: resp.StatusCode}), nil
	}

	match := jobIDPattern.FindSubmatch(resp.Body)
	if match == nil {
		s.logger.Error("submit response carries no job id",
			zap.Int("status_code", resp.StatusCode),
			zap.Int("body_bytes", len(resp.Body)),
		)
		return memento.SubmissionResult{}, fmt.Errorf("internet archive submit %s: %w", fullURL, ErrJobIDNotFound)
	}
	s.jobID = string(match[1])
	s.logger.Info("submission job started", zap.String("job_id", s.jobID))
	return memento.SubmissionResult{StatusCode: resp.StatusCode}, nil
}

// CheckStatus polls the job. Once a terminal answer was seen it is replayed
// without contacting the service again.
func (s *InternetArchive) CheckStatus(ctx context.Context) (memento.SubmissionResult, error) {
	if s.done {
		return s.result, nil
	}
	if s.jobID == "" {
		return memento.SubmissionResult{}, ErrNotSubmitted
	}

	fullURL := s.cfg.StatusURL + s.jobID
	metrics.ObserveStatusCheck(InternetArchiveName)
	resp, err := s.fetcher.Fetch(ctx, memento.Request{
		Method:  http.MethodGet,
		URL:     fullURL,
		Headers: userAgentHeader(s.userAgent),
	})
	if err != nil {
		return memento.SubmissionResult{}, fmt.Errorf("internet archive status %s: %w", s.jobID, err)
	}
	if resp.StatusCode >= 300 {
		s.logger.Warn("status check rejected",
			zap.String("job_id", s.jobID),
			zap.Int("status_code", resp.StatusCode),
		)
		return s.finish(memento.SubmissionResult{StatusCode: resp.StatusCode}), nil
	}

	var status jobStatus
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		s.logger.Warn("status body is not json", zap.String("job_id", s.jobID), zap.Error(err))
		return s.finish(memento.SubmissionResult{StatusCode: resp.StatusCode}), nil
	}

	switch status.Status {
	case jobStatusPending:
		s.logger.Debug("job pending", zap.String("job_id", s.jobID))
		return memento.SubmissionResult{StatusCode: resp.StatusCode}, nil
	case jobStatusSuccess:
		if status.Timestamp == "" {
			s.logger.Warn("job succeeded without timestamp", zap.String("job_id", s.jobID))
			return s.finish(memento.SubmissionResult{StatusCode: resp.StatusCode}), nil
		}
		result := memento.SubmissionResult{
			StatusCode: resp.StatusCode,
			FinalURL:   s.cfg.SnapshotURL + status.Timestamp + "/" + s.url,
		}
		if ts, ok := depot.ParseTimestamp(status.Timestamp); ok {
			result.Timestamp = &ts
		}
		s.logger.Info("job finished", zap.String("job_id", s.jobID), zap.String("final_url", result.FinalURL))
		return s.finish(result), nil
	default:
		s.logger.Warn("job ended with unexpected status",
			zap.String("job_id", s.jobID),
			zap.String("status", status.Status),
		)
		return s.finish(memento.SubmissionResult{StatusCode: resp.StatusCode}), nil
	}
}

func (s *InternetArchive) finish(result memento.SubmissionResult) memento.SubmissionResult {
	result.IsDone = true
	s.done = true
	s.result = result
	return result
}
