package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/metrics"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

// DefaultZombieGrace is how long a finished attempt may stay registered.
const DefaultZombieGrace = 30 * time.Second

const zombieMessage = "job stopped reporting progress and was cleaned up"

// ManagerConfig configures admission, retry and zombie cleanup.
type ManagerConfig struct {
	MaxConcurrentJobs   int
	RetryEnabled        bool
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	ZombieSweepInterval time.Duration
	ZombieGrace         time.Duration
}

// entry tracks one admitted job. Fields other than job are guarded by the
// manager's mutex.
type entry struct {
	job        Job
	run        *Run
	attempt    int
	cancelled  bool
	inBackoff  bool
	admittedAt time.Time
	wake       chan struct{}

	finishOnce sync.Once
	done       chan struct{}
}

// Manager admits jobs under a global concurrency cap and supervises them
// through retries to a final status.
type Manager struct {
	store     Store
	cfg       ManagerConfig
	executors map[string]*Executor
	notifier  Notifier
	pools     PoolStatuser

	mu       sync.Mutex
	jobs     map[string]*entry
	reserved int
	closed   bool

	wg     sync.WaitGroup
	stopCh chan struct{}
	sweep  sync.WaitGroup
}

// NewManager creates a manager with one executor per platform.
// notifier may be nil.
func NewManager(store Store, cfg ManagerConfig, executors []*Executor, notifier Notifier, pools PoolStatuser) *Manager {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.ZombieGrace <= 0 {
		cfg.ZombieGrace = DefaultZombieGrace
	}

	m := &Manager{
		store:     store,
		cfg:       cfg,
		executors: make(map[string]*Executor, len(executors)),
		notifier:  notifier,
		pools:     pools,
		jobs:      make(map[string]*entry),
		stopCh:    make(chan struct{}),
	}
	for _, e := range executors {
		m.executors[e.Platform()] = e
	}

	if cfg.ZombieSweepInterval > 0 {
		m.sweep.Add(1)
		go m.sweepRoutine()
	}

	log.Info().
		Int("max_concurrent_jobs", cfg.MaxConcurrentJobs).
		Bool("retry_enabled", cfg.RetryEnabled).
		Int("max_retries", cfg.MaxRetries).
		Strs("platforms", m.Platforms()).
		Msg("Job manager created")

	return m
}

// Submit validates and admits a job, then starts it in the background.
// It fails with types.ErrCapacityExceeded when MaxConcurrentJobs jobs are
// already tracked.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	req.Target = strings.TrimSpace(req.Target)

	exec, ok := m.executors[req.Platform]
	if !ok {
		metrics.RecordJobRejected(req.Platform, "unknown_platform")
		return "", fmt.Errorf("%w: %s", types.ErrUnknownPlatform, req.Platform)
	}
	if req.Target == "" {
		metrics.RecordJobRejected(req.Platform, "invalid_target")
		return "", types.ErrInvalidTarget
	}
	if n, ok := exec.driver.(TargetNormalizer); ok {
		target, err := n.NormalizeTarget(req.Target)
		if err != nil {
			metrics.RecordJobRejected(req.Platform, "invalid_target")
			return "", err
		}
		req.Target = target
	}
	if err := req.Options.Validate(); err != nil {
		metrics.RecordJobRejected(req.Platform, "invalid_options")
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", types.ErrManagerClosed
	}
	if len(m.jobs)+m.reserved >= m.cfg.MaxConcurrentJobs {
		running := len(m.jobs) + m.reserved
		m.mu.Unlock()
		metrics.RecordJobRejected(req.Platform, "capacity")
		log.Warn().
			Str("platform", req.Platform).
			Int("running", running).
			Int("max", m.cfg.MaxConcurrentJobs).
			Msg("Job rejected, at capacity")
		return "", types.ErrCapacityExceeded
	}
	m.reserved++
	m.mu.Unlock()

	id, err := m.store.CreateJob(ctx, req)

	m.mu.Lock()
	m.reserved--
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	if m.closed {
		m.mu.Unlock()
		m.writeStatus(id, StatusFailed, &Result{EndReason: extract.EndUserCancelled, Error: types.ErrManagerClosed.Error()})
		return "", types.ErrManagerClosed
	}

	now := time.Now()
	e := &entry{
		job: Job{
			ID:        id,
			Platform:  req.Platform,
			Target:    req.Target,
			Options:   req.Options,
			Status:    StatusCreated,
			CreatedAt: now,
			UpdatedAt: now,
		},
		admittedAt: now,
		wake:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	m.jobs[id] = e
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.RecordJobSubmitted(req.Platform)
	log.Info().
		Str("job_id", id).
		Str("platform", req.Platform).
		Str("target", req.Target).
		Msg("Job admitted")

	go m.supervise(e, exec)
	return id, nil
}

// supervise runs attempts until one is final, then finishes the job.
func (m *Manager) supervise(e *entry, exec *Executor) {
	defer m.wg.Done()

	var (
		res    Result
		status = StatusFailed
	)
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("job_id", e.job.ID).Interface("panic", p).Msg("Job supervisor panicked")
			res = Result{EndReason: extract.EndErrorOccurred, Error: fmt.Sprintf("panic: %v", p), Attempts: res.Attempts}
			m.writeStatus(e.job.ID, StatusFailed, &res)
			status = StatusFailed
		}
		m.finish(e, status, res)
	}()

	for attempt := 1; ; attempt++ {
		final := !m.cfg.RetryEnabled || attempt > m.cfg.MaxRetries
		run := exec.NewRun(e.job, attempt, final)

		m.mu.Lock()
		if e.cancelled {
			m.mu.Unlock()
			res = Result{EndReason: extract.EndUserCancelled, Error: types.ErrJobCancelled.Error(), Attempts: attempt - 1}
			m.writeStatus(e.job.ID, StatusFailed, &res)
			return
		}
		e.run = run
		e.attempt = attempt
		m.mu.Unlock()

		res = run.Execute(context.Background())
		status = run.Status()
		if status != StatusQueued {
			return
		}

		delay := Backoff(attempt, m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay)
		metrics.RecordJobRetry(e.job.Platform)
		log.Info().
			Str("job_id", e.job.ID).
			Int("attempt", attempt).
			Str("end_reason", string(res.EndReason)).
			Dur("backoff", delay).
			Msg("Job attempt failed, retrying")

		if !m.backoff(e, delay) {
			res.EndReason = extract.EndUserCancelled
			res.Error = types.ErrJobCancelled.Error()
			status = StatusFailed
			m.writeStatus(e.job.ID, StatusFailed, &res)
			return
		}
	}
}

// backoff waits before the next attempt. It reports false if the job was
// cancelled meanwhile.
func (m *Manager) backoff(e *entry, d time.Duration) bool {
	m.mu.Lock()
	if e.cancelled {
		m.mu.Unlock()
		return false
	}
	e.inBackoff = true
	m.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-e.wake:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e.inBackoff = false
	return !e.cancelled
}

// finish deregisters the job, records metrics and publishes its event.
// It runs once per job.
func (m *Manager) finish(e *entry, status Status, res Result) {
	e.finishOnce.Do(func() {
		m.mu.Lock()
		if m.jobs[e.job.ID] == e {
			delete(m.jobs, e.job.ID)
		}
		m.mu.Unlock()

		metrics.RecordJobFinished(e.job.Platform, string(status), string(res.EndReason), time.Since(e.admittedAt))

		if m.notifier != nil {
			ev := Event{
				JobID:      e.job.ID,
				Platform:   e.job.Platform,
				Target:     e.job.Target,
				Status:     status,
				EndReason:  res.EndReason,
				ItemCount:  res.Counters.ItemCount,
				Attempts:   res.Attempts,
				Error:      res.Error,
				FinishedAt: time.Now(),
			}
			ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
			if err := m.notifier.Notify(ctx, ev); err != nil {
				log.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to publish job event")
			}
			cancel()
		}

		log.Info().
			Str("job_id", e.job.ID).
			Str("status", string(status)).
			Str("end_reason", string(res.EndReason)).
			Int("attempts", res.Attempts).
			Msg("Job finished")

		close(e.done)
	})
}

// Cancel stops a tracked job. It is deregistered immediately; its final
// status is written by the run or supervisor.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	e, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	run := m.markCancelledLocked(e)
	delete(m.jobs, jobID)
	m.mu.Unlock()

	cancelRun(jobID, run)

	log.Info().Str("job_id", jobID).Msg("Job cancelled")
	return nil
}

func (m *Manager) markCancelledLocked(e *entry) *Run {
	if !e.cancelled {
		e.cancelled = true
		close(e.wake)
	}
	return e.run
}

// cancelRun cancels run, recovering from any panic in its cancel path.
func cancelRun(jobID string, run *Run) {
	if run == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("job_id", jobID).Interface("panic", p).Msg("Panic while cancelling job")
		}
	}()
	run.Cancel()
}

// Status returns a live snapshot of a tracked job, or the stored job.
func (m *Manager) Status(ctx context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[jobID]
	var run *Run
	if ok {
		run = e.run
	}
	m.mu.Unlock()

	if ok {
		if run != nil {
			return run.Snapshot(), nil
		}
		return e.job, nil
	}

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, types.ErrJobNotFound) {
			return Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
		}
		return Job{}, err
	}
	return j, nil
}

// Running returns snapshots of every tracked job, oldest first.
func (m *Manager) Running() []Job {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.jobs))
	runs := make([]*Run, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
		runs = append(runs, e.run)
	}
	m.mu.Unlock()

	out := make([]Job, 0, len(entries))
	for i, e := range entries {
		if runs[i] != nil {
			out = append(out, runs[i].Snapshot())
		} else {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Records returns up to limit stored records of a job.
func (m *Manager) Records(ctx context.Context, jobID string, limit int) ([]extract.Record, error) {
	return m.store.ListRecords(ctx, jobID, limit)
}

// PoolStatus returns the session pool status of a platform.
func (m *Manager) PoolStatus(platform string) (browser.PoolStatus, error) {
	return m.pools.Status(platform)
}

// PoolStatuses returns the status of every session pool.
func (m *Manager) PoolStatuses() []browser.PoolStatus {
	names := m.pools.Platforms()
	out := make([]browser.PoolStatus, 0, len(names))
	for _, name := range names {
		if st, err := m.pools.Status(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Platforms returns the platforms jobs can be submitted for, sorted.
func (m *Manager) Platforms() []string {
	names := make([]string, 0, len(m.executors))
	for name := range m.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForceCleanupZombies removes tracked jobs whose attempt finished more
// than ZombieGrace ago without the supervisor deregistering them, or that
// never started within ZombieGrace. Jobs waiting to retry are left alone.
// It returns the number removed.
func (m *Manager) ForceCleanupZombies(ctx context.Context) int {
	now := time.Now()

	type zombie struct {
		id  string
		run *Run
	}
	var zombies []zombie

	m.mu.Lock()
	for id, e := range m.jobs {
		if e.inBackoff {
			continue
		}
		if !m.isZombie(e, now) {
			continue
		}
		zombies = append(zombies, zombie{id: id, run: m.markCancelledLocked(e)})
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	for _, z := range zombies {
		cancelRun(z.id, z.run)
		if z.run != nil && z.run.Status() == StatusCompleted {
			continue
		}
		res := Result{EndReason: extract.EndUserCancelled, Error: zombieMessage}
		if z.run != nil {
			res = z.run.Result()
			res.EndReason = extract.EndUserCancelled
			res.Error = zombieMessage
		}
		if err := m.store.UpdateJobStatus(ctx, z.id, StatusFailed, &res); err != nil {
			log.Error().Err(err).Str("job_id", z.id).Msg("Failed to write zombie job status")
		}
	}

	if len(zombies) > 0 {
		log.Warn().Int("count", len(zombies)).Msg("Cleaned up zombie jobs")
	}
	return len(zombies)
}

func (m *Manager) isZombie(e *entry, now time.Time) bool {
	if e.run == nil {
		return now.Sub(e.admittedAt) > m.cfg.ZombieGrace
	}
	if e.run.IsRunning() {
		return false
	}
	finished := e.run.FinishedAt()
	return !finished.IsZero() && now.Sub(finished) > m.cfg.ZombieGrace
}

func (m *Manager) sweepRoutine() {
	defer m.sweep.Done()

	ticker := time.NewTicker(m.cfg.ZombieSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
			m.ForceCleanupZombies(ctx)
			cancel()
		}
	}
}

func (m *Manager) writeStatus(id string, status Status, res *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := m.store.UpdateJobStatus(ctx, id, status, res); err != nil {
		log.Error().Err(err).Str("job_id", id).Str("status", string(status)).Msg("Failed to write job status")
	}
}

// Close stops admission, cancels every tracked job and waits for their
// supervisors until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	type pending struct {
		id  string
		run *Run
	}
	var all []pending
	for id, e := range m.jobs {
		all = append(all, pending{id: id, run: m.markCancelledLocked(e)})
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.sweep.Wait()

	for _, p := range all {
		cancelRun(p.id, p.run)
	}

	log.Info().Int("jobs", len(all)).Msg("Job manager closing")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Timeout waiting for jobs to finish")
		return ctx.Err()
	}
}
