package extract

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/humanize"
	"github.com/Rorqualx/scrollharvest/internal/ratelimit"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

// Loop defaults applied to zero LoopConfig fields.
const (
	DefaultMaxIterations    = 50
	DefaultStallThreshold   = 3
	DefaultMinScrollDelta   = 50
	DefaultHealthCheckEvery = 5
	DefaultMaxThrottleWait  = time.Minute
)

// LoopConfig holds the stop thresholds and pacing of one loop.
// TargetCount and DuplicateStopThreshold disable their stop condition at 0.
type LoopConfig struct {
	TargetCount            int
	DuplicateStopThreshold int
	MaxIterations          int
	StallThreshold         int
	MinScrollDelta         int
	HealthCheckEvery       int

	MinDelay        time.Duration
	MaxDelay        time.Duration
	ScrollWait      time.Duration
	MaxThrottleWait time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = DefaultStallThreshold
	}
	if c.MinScrollDelta <= 0 {
		c.MinScrollDelta = DefaultMinScrollDelta
	}
	if c.HealthCheckEvery <= 0 {
		c.HealthCheckEvery = DefaultHealthCheckEvery
	}
	if c.MaxThrottleWait <= 0 {
		c.MaxThrottleWait = DefaultMaxThrottleWait
	}
	return c
}

// Counters are the running totals of a loop.
type Counters struct {
	Accepted            int            `json:"accepted"`
	PersistedDuplicates int            `json:"persistedDuplicates"`
	JobLocalDuplicates  int            `json:"jobLocalDuplicates"`
	Iterations          int            `json:"iterations"`
	TransientErrors     int            `json:"transientErrors"`
	SkipCounters        map[string]int `json:"skipCounters,omitempty"`
}

func (c Counters) clone() Counters {
	c.SkipCounters = maps.Clone(c.SkipCounters)
	return c
}

// Outcome is the final state of a loop.
type Outcome struct {
	Counters
	EndReason EndReason
	// LastError is the most recent error seen, transient or not.
	LastError error
}

// Loop scrolls one target page and extracts records until a stop condition
// holds. Iterations run strictly one after another.
type Loop struct {
	JobID     string
	Target    string
	Session   *browser.Session
	Extractor Extractor
	Sink      RecordSink
	Persisted *SeenSet
	JobLocal  *SeenSet
	Config    LoopConfig

	// Interrupt reports an external stop such as a timeout or cancel.
	Interrupt func() (EndReason, bool)
	// HealthCheck probes the session every HealthCheckEvery iterations.
	HealthCheck func(ctx context.Context) bool
	// OnProgress receives counters after every iteration.
	OnProgress func(Counters)
}

// Run executes the loop. The returned error is non-nil only for stops with
// EndErrorOccurred: an unhealthy session or a failed save.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	cfg := l.Config.withDefaults()
	if l.Persisted == nil {
		l.Persisted = NewSeenSet()
	}
	if l.JobLocal == nil {
		l.JobLocal = NewSeenSet()
	}

	logger := log.With().
		Str("job_id", l.JobID).
		Str("target", l.Target).
		Logger()

	out := Outcome{Counters: Counters{SkipCounters: make(map[string]int)}}
	var consecutiveDuplicates, consecutiveStalls int

	stop := func(reason EndReason) (Outcome, error) {
		out.EndReason = reason
		logger.Info().
			Str("end_reason", string(reason)).
			Int("accepted", out.Accepted).
			Int("persisted_duplicates", out.PersistedDuplicates).
			Int("job_local_duplicates", out.JobLocalDuplicates).
			Int("iterations", out.Iterations).
			Int("transient_errors", out.TransientErrors).
			Msg("Extraction loop stopped")
		return out, nil
	}

	for {
		if reason, ok := l.interrupted(ctx); ok {
			return stop(reason)
		}

		if !humanize.RandomWait(ctx, cfg.MinDelay, cfg.MaxDelay) {
			continue
		}

		out.Iterations++

		if out.Iterations%cfg.HealthCheckEvery == 0 && l.HealthCheck != nil && !l.HealthCheck(ctx) {
			if reason, ok := l.interrupted(ctx); ok {
				return stop(reason)
			}
			out.LastError = types.ErrSessionUnhealthy
			o, _ := stop(EndErrorOccurred)
			return o, types.ErrSessionUnhealthy
		}

		res, err := l.Extractor.ProcessViewport(ctx, l.Session, l.Target, l.Persisted, l.JobLocal)
		if err != nil {
			if reason, ok := l.interrupted(ctx); ok {
				return stop(reason)
			}
			l.transient(ctx, &out, logger, "process viewport", err, cfg)
			l.progress(out)
			if out.Iterations >= cfg.MaxIterations {
				return stop(EndMaxScrollReached)
			}
			continue
		}

		if len(res.Accepted) > 0 {
			if err := l.Sink.SaveRecords(ctx, l.JobID, res.Accepted); err != nil {
				out.LastError = err
				o, _ := stop(EndErrorOccurred)
				return o, fmt.Errorf("failed to save records: %w", err)
			}
		}

		out.Accepted += len(res.Accepted)
		out.PersistedDuplicates += res.DuplicateCount
		out.JobLocalDuplicates += res.JobLocalDuplicateCount
		for k, v := range res.SkipCounters {
			out.SkipCounters[k] += v
		}
		l.progress(out)

		logger.Debug().
			Int("iteration", out.Iterations).
			Int("processed", res.TotalProcessed).
			Int("accepted", len(res.Accepted)).
			Int("duplicates", res.DuplicateCount).
			Int("job_local_duplicates", res.JobLocalDuplicateCount).
			Msg("Viewport processed")

		if cfg.TargetCount > 0 && out.Accepted >= cfg.TargetCount {
			return stop(EndTargetReached)
		}

		if res.DuplicateCount > 0 {
			consecutiveDuplicates += res.DuplicateCount
		} else {
			consecutiveDuplicates = 0
		}
		if cfg.DuplicateStopThreshold > 0 && consecutiveDuplicates >= cfg.DuplicateStopThreshold {
			return stop(EndConsecutiveDuplicates)
		}

		if out.Iterations > 1 && res.TotalProcessed == 0 {
			return stop(EndNoMoreContent)
		}

		delta, err := l.scroll(ctx, cfg, len(res.Accepted) > 0)
		if err != nil {
			if reason, ok := l.interrupted(ctx); ok {
				return stop(reason)
			}
			l.transient(ctx, &out, logger, "scroll", err, cfg)
			l.progress(out)
		} else {
			if delta < cfg.MinScrollDelta {
				consecutiveStalls++
			} else {
				consecutiveStalls = 0
			}
			if consecutiveStalls >= cfg.StallThreshold {
				return stop(EndNoMoreContent)
			}
		}

		if out.Iterations >= cfg.MaxIterations {
			return stop(EndMaxScrollReached)
		}
	}
}

// scroll triggers one page scroll and returns how far the page moved.
func (l *Loop) scroll(ctx context.Context, cfg LoopConfig, foundNew bool) (int, error) {
	before, err := l.Extractor.CurrentScrollOffset(ctx, l.Session)
	if err != nil {
		return 0, fmt.Errorf("read scroll offset: %w", err)
	}
	if err := l.Extractor.TriggerScroll(ctx, l.Session); err != nil {
		return 0, fmt.Errorf("trigger scroll: %w", err)
	}
	humanize.SleepWithContext(ctx, humanize.AdaptiveDelay(cfg.ScrollWait, foundNew))
	after, err := l.Extractor.CurrentScrollOffset(ctx, l.Session)
	if err != nil {
		return 0, fmt.Errorf("read scroll offset: %w", err)
	}

	delta := after - before
	if delta < 0 {
		delta = -delta
	}
	return delta, nil
}

// transient records a recoverable error. Throttle errors also wait out
// the suggested delay.
func (l *Loop) transient(ctx context.Context, out *Outcome, logger zerolog.Logger, op string, err error, cfg LoopConfig) {
	out.TransientErrors++
	out.LastError = err

	logger.Warn().
		Err(err).
		Str("operation", op).
		Int("iteration", out.Iterations).
		Msg("Transient extraction error")

	var te *types.ThrottleError
	if errors.As(err, &te) {
		wait := ratelimit.AdjustDelay(te.SuggestedDelay, cfg.MinDelay, cfg.MaxThrottleWait)
		logger.Warn().Dur("wait", wait).Msg("Page throttled, backing off")
		humanize.SleepWithContext(ctx, wait)
	}
}

// interrupted checks for an external stop. A done context without an
// interrupt reason counts as a timeout when its deadline passed and as a
// cancel otherwise.
func (l *Loop) interrupted(ctx context.Context) (EndReason, bool) {
	if l.Interrupt != nil {
		if reason, ok := l.Interrupt(); ok {
			return reason, true
		}
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return EndTimeout, true
		}
		return EndUserCancelled, true
	}
	return "", false
}

func (l *Loop) progress(out Outcome) {
	if l.OnProgress != nil {
		l.OnProgress(out.Counters.clone())
	}
}
