// Package depot resolves the closest existing memento for a URL against an
// archive's TimeGate, and holds the ordered, read-only set of configured depots.
package depot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/memento"
)

// ErrEmptyTimeGate is returned when a depot is configured without a TimeGate prefix.
var ErrEmptyTimeGate = errors.New("depot time gate prefix is required")

// Config describes one archive depot.
type Config struct {
	Name           string `mapstructure:"name" json:"name"`
	TimeGatePrefix string `mapstructure:"time_gate" json:"time_gate"`
	FallbackPrefix string `mapstructure:"fallback" json:"fallback,omitempty"`
}

// Depot queries one archive's TimeGate.
type Depot struct {
	cfg       Config
	fetcher   memento.Fetcher
	userAgent string
	logger    *zap.Logger
}

// New builds a Depot. The fetcher must not follow redirects, otherwise the
// Location header of the TimeGate answer is lost.
func New(cfg Config, fetcher memento.Fetcher, userAgent string, logger *zap.Logger) (*Depot, error) {
	if cfg.TimeGatePrefix == "" {
		return nil, fmt.Errorf("depot %q: %w", cfg.Name, ErrEmptyTimeGate)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("depot %q: fetcher is required", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Depot{
		cfg:       cfg,
		fetcher:   fetcher,
		userAgent: userAgent,
		logger:    logger.With(zap.String("depot", cfg.Name)),
	}, nil
}

// Name returns the configured depot name.
func (d *Depot) Name() string {
	return d.cfg.Name
}

// Config returns the depot configuration.
func (d *Depot) Config() Config {
	return d.cfg
}

// LatestMemento asks the TimeGate for the snapshot closest to now. A status
// of 400 or more, or a response that names no snapshot, yields a Memento
// with an empty URL. Errors are reserved for transport failures.
func (d *Depot) LatestMemento(ctx context.Context, url string) (memento.Memento, error) {
	fullURL := d.cfg.TimeGatePrefix + url
	d.logger.Debug("querying time gate", zap.String("url", fullURL))

	req := memento.Request{Method: http.MethodGet, URL: fullURL}
	if d.userAgent != "" {
		req.Headers = http.Header{"User-Agent": {d.userAgent}}
	}
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return memento.Memento{}, fmt.Errorf("query time gate %s: %w", fullURL, err)
	}

	result := memento.Memento{Status: resp.StatusCode}
	if resp.StatusCode >= 400 {
		d.logger.Info("time gate returned error status",
			zap.String("url", fullURL),
			zap.Int("status_code", resp.StatusCode),
		)
		return result, nil
	}

	mementoURL, source := MementoURLFromHeaders(resp.Headers)
	if mementoURL == "" {
		d.logger.Warn("time gate response names no memento",
			zap.String("url", fullURL),
			zap.Int("status_code", resp.StatusCode),
		)
		return result, nil
	}
	result.URL = mementoURL
	if ts, ok := TimestampFromURL(mementoURL); ok {
		result.Timestamp = &ts
	} else {
		d.logger.Debug("memento url carries no timestamp", zap.String("memento_url", mementoURL))
	}
	d.logger.Debug("resolved memento",
		zap.String("memento_url", mementoURL),
		zap.String("source", source),
	)
	return result, nil
}

// FallbackURL returns a manual-search link for url, if the depot has one.
func (d *Depot) FallbackURL(url string) (string, bool) {
	if d.cfg.FallbackPrefix == "" {
		return "", false
	}
	return d.cfg.FallbackPrefix + url, true
}
