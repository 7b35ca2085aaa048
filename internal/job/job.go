// Package job admits, runs, retries and tracks extraction jobs.
package job

import (
	"context"
	"time"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request asks for one job.
type Request struct {
	Platform string           `json:"platform"`
	Target   string           `json:"target"`
	Options  types.JobOptions `json:"options"`
}

// Counters are the extraction totals of a job.
type Counters struct {
	ItemCount                  int            `json:"itemCount"`
	DuplicateCount             int            `json:"duplicateCount"`
	TaskInternalDuplicateCount int            `json:"taskInternalDuplicateCount"`
	SkipCounters               map[string]int `json:"skipCounters,omitempty"`
	Iterations                 int            `json:"iterations"`
	TransientErrors            int            `json:"transientErrors"`
}

func countersFrom(c extract.Counters) Counters {
	return Counters{
		ItemCount:                  c.Accepted,
		DuplicateCount:             c.PersistedDuplicates,
		TaskInternalDuplicateCount: c.JobLocalDuplicates,
		SkipCounters:               c.SkipCounters,
		Iterations:                 c.Iterations,
		TransientErrors:            c.TransientErrors,
	}
}

// Result is written with a job's final status, and with the queued status
// of an attempt that will be retried.
type Result struct {
	EndReason  extract.EndReason `json:"endReason"`
	Counters   Counters          `json:"counters"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	DurationMs int64             `json:"durationMs"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
}

// Job is the stored view of a job.
type Job struct {
	ID        string           `json:"id"`
	Platform  string           `json:"platform"`
	Target    string           `json:"target"`
	Options   types.JobOptions `json:"options"`
	Status    Status           `json:"status"`
	Counters  Counters         `json:"counters"`
	Result    *Result          `json:"result,omitempty"`
	Attempt   int              `json:"attempt"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Store persists jobs and records.
type Store interface {
	CreateJob(ctx context.Context, req Request) (string, error)
	UpdateJobStatus(ctx context.Context, id string, status Status, result *Result) error
	GetJob(ctx context.Context, id string) (Job, error)
	LoadPersistedIDs(ctx context.Context, platform, target string) ([]string, error)
	SaveRecords(ctx context.Context, jobID string, records []extract.Record) error
	ListRecords(ctx context.Context, jobID string, limit int) ([]extract.Record, error)
	Close() error
}

// Event announces that a job left the manager.
type Event struct {
	JobID      string            `json:"jobId"`
	Platform   string            `json:"platform"`
	Target     string            `json:"target"`
	Status     Status            `json:"status"`
	EndReason  extract.EndReason `json:"endReason"`
	ItemCount  int               `json:"itemCount"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finishedAt"`
}

// Notifier publishes job events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// SessionPool leases browser sessions for one platform.
type SessionPool interface {
	Acquire(ctx context.Context) (*browser.Session, error)
	Release(s *browser.Session)
	Evict(s *browser.Session)
	HealthCheck(ctx context.Context, s *browser.Session) bool
}

// Driver is the platform-specific part of a job.
type Driver interface {
	Name() string
	Extractor() extract.Extractor
	Open(ctx context.Context, s *browser.Session, target string) error
}

// TargetNormalizer is implemented by drivers that canonicalize targets.
// Submit stores the canonical form so persisted ids line up across jobs.
type TargetNormalizer interface {
	NormalizeTarget(target string) (string, error)
}

// PoolStatuser reports session pool occupancy.
type PoolStatuser interface {
	Status(platform string) (browser.PoolStatus, error)
	Platforms() []string
}
