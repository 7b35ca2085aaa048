// Package humanize provides randomized pacing and smooth scrolling so a
// scraping session does not move at machine-regular intervals.
package humanize

import (
	"context"
	"math/rand/v2"
	"time"
)

// adaptiveSlowdown stretches the post-scroll wait when a viewport produced
// nothing new, giving lazy loaders more time to fill the page.
const adaptiveSlowdown = 1.5

// RandomDuration returns a random duration between min and max milliseconds.
func RandomDuration(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + rand.IntN(maxMs-minMs+1)
	return time.Duration(ms) * time.Millisecond
}

// RandomBetween returns a random duration in [lo, hi].
// An inverted or empty range returns lo.
func RandomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// AdaptiveDelay returns the wait after a scroll. Viewports that yielded
// new records keep the base pace; empty ones wait 1.5x longer.
func AdaptiveDelay(base time.Duration, foundNew bool) time.Duration {
	if foundNew {
		return base
	}
	return time.Duration(float64(base) * adaptiveSlowdown)
}

// sleepWithContext sleeps for the specified duration or until context is canceled.
// Returns true if the sleep completed normally, false if interrupted.
// Uses time.NewTimer instead of time.After to prevent timer leak.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SleepWithContext sleeps for d or until ctx is done.
// Returns true if the sleep completed normally, false if interrupted.
func SleepWithContext(ctx context.Context, d time.Duration) bool {
	return sleepWithContext(ctx, d)
}

// RandomWait waits for a random duration in [lo, hi].
func RandomWait(ctx context.Context, lo, hi time.Duration) bool {
	return sleepWithContext(ctx, RandomBetween(lo, hi))
}
