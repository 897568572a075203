// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/timetravel/internal/memento"
)

const defaultTable = "resolutions"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema creates the resolutions table. %s is replaced by the table name.
const Schema = `
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	depot        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	submitter    TEXT NOT NULL DEFAULT '',
	result       JSONB,
	error_text   TEXT NOT NULL DEFAULT '',
	error_code   INTEGER NOT NULL DEFAULT 0,
	fallback_url TEXT NOT NULL DEFAULT '',
	receipt_uri  TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
)`

// Config controls the Postgres connection pool used for resolution rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool used by the store.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// ResolutionStore persists resolutions in Postgres.
type ResolutionStore struct {
	pool  Pool
	table string
}

// NewResolutionStore connects to Postgres using cfg.
func NewResolutionStore(ctx context.Context, cfg Config) (*ResolutionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ResolutionStore{pool: pool, table: table}, nil
}

// NewResolutionStoreWithPool constructs a store from an existing pool.
func NewResolutionStoreWithPool(pool Pool, table string) (*ResolutionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ResolutionStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ResolutionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies that the database is reachable.
func (s *ResolutionStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the table when it does not exist.
func (s *ResolutionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(Schema, s.table)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateResolution inserts a new resolution row.
func (s *ResolutionStore) CreateResolution(ctx context.Context, res memento.Resolution) error {
	if res.ID == "" {
		return fmt.Errorf("resolution id is required")
	}
	result, err := marshalResult(res.Result)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	depot,
	status,
	submitter,
	result,
	error_text,
	error_code,
	fallback_url,
	receipt_uri,
	submitted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	args := []any{
		res.ID,
		res.URL,
		res.Depot,
		string(res.Status),
		res.Submitter,
		result,
		res.ErrorText,
		res.ErrorCode,
		res.FallbackURL,
		res.ReceiptURI,
		res.Submitted.UTC(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

// UpdateResolution applies a status transition. Empty fields keep the stored
// values; started_at and finished_at are written once.
func (s *ResolutionStore) UpdateResolution(ctx context.Context, update memento.ResolutionUpdate) error {
	result, err := marshalResult(update.Result)
	if err != nil {
		return err
	}
	var startedAt, finishedAt any
	at := update.At.UTC()
	if update.Status == memento.StatusResolving {
		startedAt = at
	}
	if update.Status.Terminal() {
		finishedAt = at
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status       = COALESCE(NULLIF($2, ''), status),
	submitter    = COALESCE(NULLIF($3, ''), submitter),
	result       = COALESCE($4, result),
	error_text   = COALESCE(NULLIF($5, ''), error_text),
	error_code   = COALESCE(NULLIF($6, 0), error_code),
	fallback_url = COALESCE(NULLIF($7, ''), fallback_url),
	receipt_uri  = COALESCE(NULLIF($8, ''), receipt_uri),
	started_at   = COALESCE(started_at, $9),
	finished_at  = COALESCE(finished_at, $10)
WHERE id = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		update.ID,
		string(update.Status),
		update.Submitter,
		result,
		update.ErrorText,
		update.ErrorCode,
		update.FallbackURL,
		update.ReceiptURI,
		startedAt,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("update resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", update.ID, memento.ErrResolutionNotFound)
	}
	return nil
}

// GetResolution fetches a resolution by ID.
func (s *ResolutionStore) GetResolution(ctx context.Context, id string) (memento.Resolution, error) {
	query := fmt.Sprintf(`
SELECT id, url, depot, status, submitter, result, error_text, error_code,
	fallback_url, receipt_uri, submitted_at, started_at, finished_at
FROM %s WHERE id = $1`, s.table)

	var (
		res    memento.Resolution
		status string
		result []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&res.ID,
		&res.URL,
		&res.Depot,
		&status,
		&res.Submitter,
		&result,
		&res.ErrorText,
		&res.ErrorCode,
		&res.FallbackURL,
		&res.ReceiptURI,
		&res.Submitted,
		&res.Started,
		&res.Finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return memento.Resolution{}, fmt.Errorf("get %s: %w", id, memento.ErrResolutionNotFound)
	}
	if err != nil {
		return memento.Resolution{}, fmt.Errorf("select resolution: %w", err)
	}
	res.Status = memento.ResolutionStatus(status)
	if len(result) > 0 {
		var r memento.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return memento.Resolution{}, fmt.Errorf("unmarshal result: %w", err)
		}
		res.Result = &r
	}
	return res, nil
}

func marshalResult(r *memento.Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}
