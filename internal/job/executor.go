package job

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/metrics"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

const (
	// DefaultTaskTimeout bounds one attempt when the platform sets none.
	DefaultTaskTimeout = 5 * time.Minute
	storeWriteTimeout  = 10 * time.Second
)

// ExecutorConfig holds one platform's run settings.
type ExecutorConfig struct {
	TaskTimeout time.Duration
	Loop        extract.LoopConfig
}

// Executor runs job attempts for one platform.
type Executor struct {
	driver Driver
	pool   SessionPool
	store  Store
	cfg    ExecutorConfig
}

// NewExecutor creates an executor.
func NewExecutor(driver Driver, pool SessionPool, store Store, cfg ExecutorConfig) *Executor {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	return &Executor{
		driver: driver,
		pool:   pool,
		store:  store,
		cfg:    cfg,
	}
}

// Platform returns the driver's platform name.
func (e *Executor) Platform() string {
	return e.driver.Name()
}

// loopConfig applies per-job overrides to the platform loop settings.
func (e *Executor) loopConfig(opts types.JobOptions) extract.LoopConfig {
	cfg := e.cfg.Loop
	if opts.TargetCount > 0 {
		cfg.TargetCount = opts.TargetCount
	}
	if opts.DuplicateThreshold > 0 {
		cfg.DuplicateStopThreshold = opts.DuplicateThreshold
	}
	if opts.MaxIterations > 0 {
		cfg.MaxIterations = opts.MaxIterations
	}
	return cfg
}

func (e *Executor) timeout(opts types.JobOptions) time.Duration {
	if opts.TimeoutSeconds > 0 {
		return time.Duration(opts.TimeoutSeconds) * time.Second
	}
	return e.cfg.TaskTimeout
}

// Run is one attempt of a job.
//
// The worker goroutine owns the session while the loop runs. A hard timer
// evicts that session and finalizes the attempt even if the worker never
// returns. Cleanup and finalization each happen exactly once whichever
// path gets there first.
type Run struct {
	exec    *Executor
	job     Job
	attempt int
	final   bool

	ctx    context.Context
	cancel context.CancelFunc

	timedOut  atomic.Bool
	cancelled atomic.Bool
	running   atomic.Bool

	mu         sync.Mutex
	session    *browser.Session
	detached   bool
	timer      *time.Timer
	counters   extract.Counters
	status     Status
	startedAt  time.Time
	finishedAt time.Time
	result     *Result

	// writeMu orders status writes so nothing is written after the final one.
	writeMu   sync.Mutex
	finalized bool

	cleanupOnce  sync.Once
	finalizeOnce sync.Once
	done         chan struct{}
}

// NewRun prepares an attempt. A failed non-final attempt is recorded as
// queued rather than failed, since it will be retried.
func (e *Executor) NewRun(j Job, attempt int, final bool) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		exec:    e,
		job:     j,
		attempt: attempt,
		final:   final,
		ctx:     ctx,
		cancel:  cancel,
		status:  StatusQueued,
		done:    make(chan struct{}),
	}
}

// Execute runs the attempt and blocks until it is finalized. Cancelling
// ctx cancels the attempt.
func (r *Run) Execute(ctx context.Context) Result {
	select {
	case <-r.done:
		return r.Result()
	default:
	}

	stop := context.AfterFunc(ctx, r.Cancel)
	defer stop()

	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()

	ok, err := r.markRunning()
	if !ok {
		return r.Result()
	}
	if err != nil {
		r.finalize(extract.EndErrorOccurred, fmt.Errorf("failed to mark job running: %w", err))
		return r.Result()
	}

	if !r.armTimer() {
		return r.Result()
	}

	go r.work()

	<-r.done
	return r.Result()
}

func (r *Run) work() {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("job_id", r.job.ID).
				Interface("panic", p).
				Msg("Job worker panicked")
			r.cleanup(true)
			r.finalize(extract.EndErrorOccurred, fmt.Errorf("panic: %v", p))
		}
	}()

	pool := r.exec.pool

	s, err := pool.Acquire(r.ctx)
	if err != nil {
		r.cleanup(false)
		r.stopped(extract.EndErrorOccurred, err)
		return
	}
	if !r.attach(s) {
		pool.Release(s)
		return
	}

	ids, err := r.exec.store.LoadPersistedIDs(r.ctx, r.job.Platform, r.job.Target)
	if err != nil {
		r.cleanup(false)
		r.stopped(extract.EndErrorOccurred, fmt.Errorf("failed to load persisted ids: %w", err))
		return
	}

	if err := r.exec.driver.Open(r.ctx, s, r.job.Target); err != nil {
		r.cleanup(false)
		r.stopped(extract.EndErrorOccurred, fmt.Errorf("failed to open target: %w", err))
		return
	}

	log.Info().
		Str("job_id", r.job.ID).
		Str("platform", r.job.Platform).
		Str("target", r.job.Target).
		Str("session_id", s.ID).
		Int("attempt", r.attempt).
		Int("persisted_ids", len(ids)).
		Msg("Extraction started")

	loop := &extract.Loop{
		JobID:     r.job.ID,
		Target:    r.job.Target,
		Session:   s,
		Extractor: r.exec.driver.Extractor(),
		Sink:      r.exec.store,
		Persisted: extract.NewSeenSet(ids...),
		JobLocal:  extract.NewSeenSet(),
		Config:    r.exec.loopConfig(r.job.Options),
		Interrupt: r.interruptReason,
		HealthCheck: func(ctx context.Context) bool {
			return pool.HealthCheck(ctx, s)
		},
		OnProgress: r.setCounters,
	}

	out, err := loop.Run(r.ctx)
	r.setCounters(out.Counters)
	metrics.RecordLoop(r.job.Platform, metrics.LoopStats{
		Accepted:            out.Accepted,
		PersistedDuplicates: out.PersistedDuplicates,
		JobLocalDuplicates:  out.JobLocalDuplicates,
		Iterations:          out.Iterations,
		TransientErrors:     out.TransientErrors,
	})

	r.cleanup(err != nil)
	r.stopped(out.EndReason, err)
}

// attach records the leased session. It reports false if cleanup already
// ran, in which case the caller must give the session back.
func (r *Run) attach(s *browser.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return false
	}
	r.session = s
	return true
}

// cleanup returns the session to the pool once. Sessions from a failed or
// timed-out attempt are evicted rather than released.
func (r *Run) cleanup(evict bool) {
	r.cleanupOnce.Do(func() {
		r.mu.Lock()
		s := r.session
		r.session = nil
		r.detached = true
		if r.timer != nil {
			r.timer.Stop()
		}
		r.mu.Unlock()

		if s == nil {
			return
		}
		if evict {
			r.exec.pool.Evict(s)
		} else {
			r.exec.pool.Release(s)
		}
	})
}

// armTimer starts the hard timer unless the attempt is already final.
// finalize stops it, so a cancel landing before or after this never
// leaves a timer behind.
func (r *Run) armTimer() bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.finalized {
		return false
	}
	r.mu.Lock()
	r.timer = time.AfterFunc(r.exec.timeout(r.job.Options), r.onTimeout)
	r.mu.Unlock()
	return true
}

func (r *Run) onTimeout() {
	select {
	case <-r.done:
		return
	default:
	}
	r.timedOut.Store(true)
	r.cancel()

	log.Warn().
		Str("job_id", r.job.ID).
		Str("platform", r.job.Platform).
		Dur("timeout", r.exec.timeout(r.job.Options)).
		Msg("Job timed out, evicting session")

	r.cleanup(true)
	r.finalize(extract.EndTimeout, types.ErrJobTimeout)
}

// Cancel stops the attempt and finalizes it as cancelled. The worker
// returns its session at the next loop boundary.
func (r *Run) Cancel() {
	r.cancelled.Store(true)
	r.cancel()
	r.finalize(extract.EndUserCancelled, types.ErrJobCancelled)
}

func (r *Run) interruptReason() (extract.EndReason, bool) {
	switch {
	case r.timedOut.Load():
		return extract.EndTimeout, true
	case r.cancelled.Load():
		return extract.EndUserCancelled, true
	default:
		return "", false
	}
}

// stopped finalizes after the worker stops, preferring an interrupt reason
// over whatever error the interruption caused.
func (r *Run) stopped(reason extract.EndReason, err error) {
	if ir, ok := r.interruptReason(); ok {
		reason, err = ir, nil
	}
	r.finalize(reason, err)
}

func (r *Run) markRunning() (bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.finalized {
		return false, nil
	}

	r.mu.Lock()
	r.status = StatusRunning
	r.mu.Unlock()
	r.running.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	return true, r.exec.store.UpdateJobStatus(ctx, r.job.ID, StatusRunning, nil)
}

func (r *Run) finalize(reason extract.EndReason, err error) {
	r.finalizeOnce.Do(func() {
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
		r.finalized = true

		if err == nil && reason == extract.EndUserCancelled {
			err = types.ErrJobCancelled
		}

		status := StatusCompleted
		if err != nil || !reason.Successful() {
			status = StatusFailed
			if !r.final && !r.cancelled.Load() {
				status = StatusQueued
			}
		}

		now := time.Now()
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		started := r.startedAt
		if started.IsZero() {
			started = now
		}
		res := &Result{
			EndReason:  reason,
			Counters:   countersFrom(r.counters),
			StartedAt:  started,
			FinishedAt: now,
			DurationMs: now.Sub(started).Milliseconds(),
			Attempts:   r.attempt,
		}
		if err != nil {
			res.Error = err.Error()
		}
		r.status = status
		r.result = res
		r.finishedAt = now
		r.mu.Unlock()
		r.running.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		if werr := r.exec.store.UpdateJobStatus(ctx, r.job.ID, status, res); werr != nil {
			log.Error().
				Err(werr).
				Str("job_id", r.job.ID).
				Str("status", string(status)).
				Msg("Failed to write job status")
		}
		cancel()

		evt := log.Info()
		if status != StatusCompleted {
			evt = log.Warn().Str("error", res.Error)
		}
		evt.Str("job_id", r.job.ID).
			Str("platform", r.job.Platform).
			Int("attempt", r.attempt).
			Str("status", string(status)).
			Str("end_reason", string(reason)).
			Int("items", res.Counters.ItemCount).
			Int64("duration_ms", res.DurationMs).
			Msg("Job attempt finished")

		close(r.done)
	})
}

func (r *Run) setCounters(c extract.Counters) {
	r.mu.Lock()
	r.counters = c
	r.mu.Unlock()
}

// IsRunning reports whether the attempt has started and not finalized.
func (r *Run) IsRunning() bool {
	return r.running.Load()
}

// Done is closed when the attempt is finalized.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Status returns the attempt's current status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// FinishedAt returns when the attempt was finalized, or zero.
func (r *Run) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// Result returns the final result, or a zero Result before finalization.
func (r *Run) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return Result{}
	}
	return *r.result
}

// Snapshot returns the job with live counters.
func (r *Run) Snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := r.job
	j.Status = r.status
	j.Counters = countersFrom(r.counters)
	j.Attempt = r.attempt
	j.UpdatedAt = time.Now()
	if r.result != nil {
		res := *r.result
		j.Result = &res
	}
	return j
}
