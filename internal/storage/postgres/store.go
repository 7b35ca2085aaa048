// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	target      TEXT NOT NULL,
	options     JSONB NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	result      JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	platform     TEXT NOT NULL,
	record_id    TEXT NOT NULL,
	target       TEXT NOT NULL,
	job_id       TEXT NOT NULL,
	url          TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ,
	fields       JSONB,
	extracted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (platform, target, record_id)
);

CREATE INDEX IF NOT EXISTS records_job_idx ON records (job_id, extracted_at);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements job.Store on Postgres.
type Store struct {
	pool pgxIface
}

// NewStore connects to Postgres using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database url is required")
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
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool pgxIface) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// CreateJob inserts a job in created status and returns its UUIDv7 id.
func (s *Store) CreateJob(ctx context.Context, req job.Request) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}
	now := time.Now().UTC()

	const query = `
INSERT INTO jobs (id, platform, target, options, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, query, id.String(), req.Platform, req.Target, opts, string(job.StatusCreated), now, now); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id.String(), nil
}

// UpdateJobStatus sets a job's status. A non-nil result replaces the stored
// result and attempt count.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status job.Status, result *job.Result) error {
	var (
		resultJSON []byte
		attempt    *int
	)
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = b
		attempt = &result.Attempts
	}

	const query = `
UPDATE jobs
SET status = $1, result = COALESCE($2, result), attempt = COALESCE($3, attempt), updated_at = $4
WHERE id = $5`
	tag, err := s.pool.Exec(ctx, query, string(status), resultJSON, attempt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	const query = `
SELECT id, platform, target, options, status, attempt, result, created_at, updated_at
FROM jobs WHERE id = $1`

	var (
		j          job.Job
		status     string
		opts       []byte
		resultJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&j.ID, &j.Platform, &j.Target, &opts, &status, &j.Attempt, &resultJSON, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("select job: %w", err)
	}

	j.Status = job.Status(status)
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &j.Options); err != nil {
			return job.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var res job.Result
		if err := json.Unmarshal(resultJSON, &res); err != nil {
			return job.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &res
		j.Counters = res.Counters
	}
	return j, nil
}

// LoadPersistedIDs returns the ids of every record saved for a target.
func (s *Store) LoadPersistedIDs(ctx context.Context, platform, target string) ([]string, error) {
	const query = `SELECT record_id FROM records WHERE platform = $1 AND target = $2`
	rows, err := s.pool.Query(ctx, query, platform, target)
	if err != nil {
		return nil, fmt.Errorf("select persisted ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persisted ids: %w", err)
	}
	return ids, nil
}

// SaveRecords inserts records in one transaction. Records already stored
// under the same platform, target and id are ignored.
func (s *Store) SaveRecords(ctx context.Context, jobID string, records []extract.Record) error {
	if len(records) == 0 {
		return nil
	}

	const query = `
INSERT INTO records (platform, record_id, target, job_id, url, author, text, published_at, fields, extracted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (platform, target, record_id) DO NOTHING`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, rec := range records {
		var fields []byte
		if len(rec.Fields) > 0 {
			if fields, err = json.Marshal(rec.Fields); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("marshal fields: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, query,
			rec.Platform, rec.ID, rec.Target, jobID, rec.URL, rec.Author, rec.Text,
			rec.PublishedAt, fields, rec.ExtractedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}

// ListRecords returns up to limit records saved by a job, oldest first.
// A non-positive limit returns all of them.
func (s *Store) ListRecords(ctx context.Context, jobID string, limit int) ([]extract.Record, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	const query = `
SELECT record_id, platform, target, url, author, text, published_at, fields, extracted_at
FROM records WHERE job_id = $1
ORDER BY extracted_at, record_id
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	var out []extract.Record
	for rows.Next() {
		var (
			rec    extract.Record
			fields []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.Platform, &rec.Target, &rec.URL, &rec.Author, &rec.Text,
			&rec.PublishedAt, &fields, &rec.ExtractedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
