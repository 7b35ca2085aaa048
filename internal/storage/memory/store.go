// Package memory provides an in-process job store for development and
// tests. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

// Records are unique per feed: the same id under another target is a
// separate record, matching how persisted ids are loaded.
type recordKey struct {
	platform string
	target   string
	id       string
}

// Store implements job.Store in memory.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]job.Job
	records map[recordKey]extract.Record
	byJob   map[string][]recordKey
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]job.Job),
		records: make(map[recordKey]extract.Record),
		byJob:   make(map[string][]recordKey),
	}
}

// CreateJob stores a new job in created status.
func (s *Store) CreateJob(_ context.Context, req job.Request) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id.String()] = job.Job{
		ID:        id.String(),
		Platform:  req.Platform,
		Target:    req.Target,
		Options:   req.Options,
		Status:    job.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id.String(), nil
}

// UpdateJobStatus sets the status and, when given, the result of a job.
func (s *Store) UpdateJobStatus(_ context.Context, id string, status job.Status, result *job.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	if result != nil {
		res := *result
		res.Counters.SkipCounters = maps.Clone(res.Counters.SkipCounters)
		j.Result = &res
		j.Counters = res.Counters
		j.Attempt = res.Attempts
	}
	s.jobs[id] = j
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return j, nil
}

// LoadPersistedIDs returns the ids of every record saved for a target.
func (s *Store) LoadPersistedIDs(_ context.Context, platform, target string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.records {
		if k.platform == platform && k.target == target {
			ids = append(ids, k.id)
		}
	}
	return ids, nil
}

// SaveRecords stores records for a job. Records already stored under the
// same platform, target and id are left untouched.
func (s *Store) SaveRecords(_ context.Context, jobID string, records []extract.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		k := recordKey{platform: rec.Platform, target: rec.Target, id: rec.ID}
		if _, exists := s.records[k]; exists {
			continue
		}
		s.records[k] = rec
		s.byJob[jobID] = append(s.byJob[jobID], k)
	}
	return nil
}

// ListRecords returns up to limit records saved by a job, in save order.
// A non-positive limit returns all of them.
func (s *Store) ListRecords(_ context.Context, jobID string, limit int) ([]extract.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.byJob[jobID]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]extract.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.records[k])
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
