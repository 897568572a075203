// Package submission implements the archival services that can be asked to
// capture a URL when no depot already holds a snapshot of it.
package submission

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/clock/system"
	"github.com/JakeFAU/timetravel/internal/memento"
)

var (
	// ErrJobIDNotFound is returned when a submit response carries no job token.
	ErrJobIDNotFound = errors.New("submission response carries no job id")
	// ErrNotSubmitted is returned by CheckStatus before Submit has run.
	ErrNotSubmitted = errors.New("status checked before submit")
)

// ArchiveTodayConfig controls the archive.today adapter.
type ArchiveTodayConfig struct {
	Enabled   bool
	SubmitURL string
}

// InternetArchiveConfig controls the Internet Archive adapter.
type InternetArchiveConfig struct {
	Enabled           bool
	SubmitURL         string
	StatusURL         string
	SnapshotURL       string
	WaitBetweenStatus time.Duration
}

// Config enables and points the adapters.
type Config struct {
	UserAgent       string
	ArchiveToday    ArchiveTodayConfig
	InternetArchive InternetArchiveConfig
}

// DefaultConfig returns both adapters enabled against the public services.
func DefaultConfig() Config {
	return Config{
		ArchiveToday: ArchiveTodayConfig{
			Enabled:   true,
			SubmitURL: DefaultArchiveTodaySubmitURL,
		},
		InternetArchive: InternetArchiveConfig{
			Enabled:           true,
			SubmitURL:         DefaultInternetArchiveSubmitURL,
			StatusURL:         DefaultInternetArchiveStatusURL,
			SnapshotURL:       DefaultInternetArchiveSnapshotURL,
			WaitBetweenStatus: DefaultInternetArchiveWait,
		},
	}
}

// Factory builds fresh, URL-bound submitters in priority order.
type Factory struct {
	cfg     Config
	fetcher memento.Fetcher
	clock   memento.Clock
	logger  *zap.Logger
}

// NewFactory returns a Factory. The fetcher should follow redirects.
func NewFactory(cfg Config, fetcher memento.Fetcher, clock memento.Clock, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Factory{cfg: cfg, fetcher: fetcher, clock: clock, logger: logger}
}

// Submitters returns one adapter per enabled service: archive.today first,
// then the Internet Archive.
func (f *Factory) Submitters(url string) []memento.Submitter {
	var out []memento.Submitter
	if f.cfg.ArchiveToday.Enabled {
		out = append(out, NewArchiveToday(url, f.cfg.ArchiveToday, f.cfg.UserAgent, f.fetcher, f.clock, f.logger))
	}
	if f.cfg.InternetArchive.Enabled {
		out = append(out, NewInternetArchive(url, f.cfg.InternetArchive, f.cfg.UserAgent, f.fetcher, f.logger))
	}
	return out
}

// Names lists the enabled adapters in priority order.
func (f *Factory) Names() []string {
	var names []string
	if f.cfg.ArchiveToday.Enabled {
		names = append(names, ArchiveTodayName)
	}
	if f.cfg.InternetArchive.Enabled {
		names = append(names, InternetArchiveName)
	}
	return names
}

func userAgentHeader(userAgent string) http.Header {
	if userAgent == "" {
		return nil
	}
	return http.Header{"User-Agent": {userAgent}}
}
