// Package duckdb provides an embedded, file-backed job store for single-node
// deployments and the one-shot CLI.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb" // registers the "duckdb" driver

	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id         VARCHAR PRIMARY KEY,
		platform   VARCHAR NOT NULL,
		target     VARCHAR NOT NULL,
		options    VARCHAR NOT NULL,
		status     VARCHAR NOT NULL,
		attempt    INTEGER NOT NULL DEFAULT 0,
		result     VARCHAR,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		platform     VARCHAR NOT NULL,
		record_id    VARCHAR NOT NULL,
		target       VARCHAR NOT NULL,
		job_id       VARCHAR NOT NULL,
		url          VARCHAR NOT NULL,
		author       VARCHAR NOT NULL,
		text         VARCHAR NOT NULL,
		published_at TIMESTAMP,
		fields       VARCHAR,
		extracted_at TIMESTAMP NOT NULL,
		PRIMARY KEY (platform, target, record_id)
	)`,
}

// Store implements job.Store on DuckDB.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and ensures the schema.
// An empty path opens an in-memory database.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// DuckDB allows a single writer per process.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, platform, target, options, status, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		id.String(), req.Platform, req.Target, string(opts), string(job.StatusCreated), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id.String(), nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status job.Status, result *job.Result) error {
	var (
		res sql.Result
		err error
		now = time.Now().UTC()
	)
	if result != nil {
		b, mErr := json.Marshal(result)
		if mErr != nil {
			return fmt.Errorf("marshal result: %w", mErr)
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, result = ?, attempt = ?, updated_at = ? WHERE id = ?`,
			string(status), string(b), result.Attempts, now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	var (
		j      job.Job
		status string
		opts   string
		result sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, platform, target, options, status, attempt, result, created_at, updated_at
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Platform, &j.Target, &opts, &status, &j.Attempt, &result, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("select job: %w", err)
	}

	j.Status = job.Status(status)
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return job.Job{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if result.Valid && result.String != "" {
		var r job.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return job.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &r
		j.Counters = r.Counters
	}
	return j, nil
}

func (s *Store) LoadPersistedIDs(ctx context.Context, platform, target string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id FROM records WHERE platform = ? AND target = ?`, platform, target)
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
	return ids, rows.Err()
}

func (s *Store) SaveRecords(ctx context.Context, jobID string, records []extract.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range records {
		var fields sql.NullString
		if len(rec.Fields) > 0 {
			b, err := json.Marshal(rec.Fields)
			if err != nil {
				return fmt.Errorf("marshal fields: %w", err)
			}
			fields = sql.NullString{String: string(b), Valid: true}
		}
		var published sql.NullTime
		if rec.PublishedAt != nil {
			published = sql.NullTime{Time: rec.PublishedAt.UTC(), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (platform, record_id, target, job_id, url, author, text, published_at, fields, extracted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			rec.Platform, rec.ID, rec.Target, jobID, rec.URL, rec.Author, rec.Text,
			published, fields, rec.ExtractedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListRecords(ctx context.Context, jobID string, limit int) ([]extract.Record, error) {
	query := `
		SELECT record_id, platform, target, url, author, text, published_at, fields, extracted_at
		FROM records WHERE job_id = ?
		ORDER BY extracted_at, record_id`
	args := []any{jobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	var out []extract.Record
	for rows.Next() {
		var (
			rec       extract.Record
			published sql.NullTime
			fields    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Platform, &rec.Target, &rec.URL, &rec.Author, &rec.Text,
			&published, &fields, &rec.ExtractedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if published.Valid {
			t := published.Time
			rec.PublishedAt = &t
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &rec.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
