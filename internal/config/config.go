// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/timetravel/internal/depot"
	"github.com/JakeFAU/timetravel/internal/submission"
)

// EnvPrefix is prepended to every environment override, e.g. TIMETRAVEL_SERVER_PORT.
const EnvPrefix = "TIMETRAVEL"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Depots     []depot.Config   `mapstructure:"depots"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	Submission SubmissionConfig `mapstructure:"submission"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures outbound requests to archives.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// FallbackConfig sets the manual-search link used when no depot offers one.
type FallbackConfig struct {
	DefaultPrefix string `mapstructure:"default_prefix"`
}

// SubmissionConfig enables and points the archival submitters.
type SubmissionConfig struct {
	ArchiveToday    ArchiveTodayConfig    `mapstructure:"archive_today"`
	InternetArchive InternetArchiveConfig `mapstructure:"internet_archive"`
	// MaxStatusChecks bounds polling per submitter; zero is unbounded.
	MaxStatusChecks int `mapstructure:"max_status_checks"`
}

// ArchiveTodayConfig configures the archive.today submitter.
type ArchiveTodayConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SubmitURL string `mapstructure:"submit_url"`
}

// InternetArchiveConfig configures the Internet Archive submitter.
type InternetArchiveConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	SubmitURL           string `mapstructure:"submit_url"`
	StatusURL           string `mapstructure:"status_url"`
	SnapshotURL         string `mapstructure:"snapshot_url"`
	WaitBetweenStatusMs int    `mapstructure:"wait_between_status_ms"`
}

// ResolverConfig restricts which hosts may be resolved.
type ResolverConfig struct {
	Allowlist []string `mapstructure:"allowlist"`
}

// RateLimitConfig throttles outbound requests per archive host.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// WorkersConfig sizes the resolution worker pool.
type WorkersConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
	// TimeoutSeconds bounds one resolution; zero leaves it unbounded.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// StorageConfig selects where resolution receipts are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
	// Endpoint points the GCS client at an emulator such as fake-gcs-server.
	// Requests to it are unauthenticated.
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the Postgres resolution store. An empty DSN keeps
// resolutions in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the topic completion events go to. An empty project
// keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig sets hub flush thresholds.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultDepots are queried, in this order, when no depots are configured.
func DefaultDepots() []depot.Config {
	return []depot.Config{
		{
			Name:           "Internet Archive",
			TimeGatePrefix: "https://web.archive.org/web/",
			FallbackPrefix: "https://web.archive.org/web/*/",
		},
		{
			Name:           "archive.today",
			TimeGatePrefix: "https://archive.today/timegate/",
			FallbackPrefix: "https://archive.today/newest/",
		},
		{
			Name:           "Memento TimeTravel",
			TimeGatePrefix: "https://timetravel.mementoweb.org/timegate/",
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "timetravel/1.0 (+https://github.com/JakeFAU/timetravel)")

	depots := make([]map[string]any, 0, 3)
	for _, d := range DefaultDepots() {
		depots = append(depots, map[string]any{
			"name":      d.Name,
			"time_gate": d.TimeGatePrefix,
			"fallback":  d.FallbackPrefix,
		})
	}
	v.SetDefault("depots", depots)
	v.SetDefault("fallback.default_prefix", depot.DefaultFallbackPrefix)

	sub := submission.DefaultConfig()
	v.SetDefault("submission.archive_today.enabled", sub.ArchiveToday.Enabled)
	v.SetDefault("submission.archive_today.submit_url", sub.ArchiveToday.SubmitURL)
	v.SetDefault("submission.internet_archive.enabled", sub.InternetArchive.Enabled)
	v.SetDefault("submission.internet_archive.submit_url", sub.InternetArchive.SubmitURL)
	v.SetDefault("submission.internet_archive.status_url", sub.InternetArchive.StatusURL)
	v.SetDefault("submission.internet_archive.snapshot_url", sub.InternetArchive.SnapshotURL)
	v.SetDefault("submission.internet_archive.wait_between_status_ms", sub.InternetArchive.WaitBetweenStatus.Milliseconds())
	v.SetDefault("submission.max_status_checks", 0)

	v.SetDefault("resolver.allowlist", []string{})
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("workers.timeout_seconds", 600)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "receipts")
	v.SetDefault("storage.local.base_dir", "data/receipts")
	v.SetDefault("database.table", "resolutions")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.topic_name", "timetravel-resolutions")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "timetravel")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if err := validateDepots(c.Depots); err != nil {
		return err
	}
	if c.Submission.MaxStatusChecks < 0 {
		return errors.New("submission.max_status_checks must be >= 0")
	}
	if c.Submission.InternetArchive.WaitBetweenStatusMs < 0 {
		return errors.New("submission.internet_archive.wait_between_status_ms must be >= 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return errors.New("rate_limit.default_rps must be > 0 when rate limiting is enabled")
	}
	if c.Workers.Concurrency <= 0 {
		return errors.New("workers.concurrency must be > 0")
	}
	if c.Workers.QueueDepth <= 0 {
		return errors.New("workers.queue_depth must be > 0")
	}
	if c.Workers.TimeoutSeconds < 0 {
		return errors.New("workers.timeout_seconds must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Database.DSN != "" && c.Database.MinConns > c.Database.MaxConns {
		return errors.New("database.min_conns must be <= database.max_conns")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return errors.New("pubsub.topic_name must be set when pubsub.project_id is")
	}
	return nil
}

func validateDepots(depots []depot.Config) error {
	if len(depots) == 0 {
		return errors.New("depots must list at least one depot")
	}
	seen := make(map[string]struct{}, len(depots))
	for i, d := range depots {
		if d.Name == "" {
			return fmt.Errorf("depots[%d].name must be set", i)
		}
		if d.TimeGatePrefix == "" {
			return fmt.Errorf("depots[%d].time_gate must be set", i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("depots[%d].name %q is a duplicate", i, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// HTTPTimeout returns the per-request timeout for archive calls.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SubmissionSettings converts the submission keys for submission.NewFactory.
func (c Config) SubmissionSettings() submission.Config {
	ia := c.Submission.InternetArchive
	return submission.Config{
		UserAgent: c.HTTP.UserAgent,
		ArchiveToday: submission.ArchiveTodayConfig{
			Enabled:   c.Submission.ArchiveToday.Enabled,
			SubmitURL: c.Submission.ArchiveToday.SubmitURL,
		},
		InternetArchive: submission.InternetArchiveConfig{
			Enabled:           ia.Enabled,
			SubmitURL:         ia.SubmitURL,
			StatusURL:         ia.StatusURL,
			SnapshotURL:       ia.SnapshotURL,
			WaitBetweenStatus: time.Duration(ia.WaitBetweenStatusMs) * time.Millisecond,
		},
	}
}

// ResolveTimeout returns the per-resolution deadline, zero when unbounded.
func (c Config) ResolveTimeout() time.Duration {
	return time.Duration(c.Workers.TimeoutSeconds) * time.Second
}

// ProgressBatchWait returns the hub flush interval.
func (c Config) ProgressBatchWait() time.Duration {
	return time.Duration(c.Progress.Batch.MaxWaitMs) * time.Millisecond
}

// ProgressSinkTimeout returns the per-sink deadline.
func (c Config) ProgressSinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond
}
