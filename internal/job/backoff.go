package job

import (
	"math"
	"time"
)

// Backoff returns the wait before retrying after the given 1-based attempt:
// base doubled per previous attempt, capped at max. A non-positive max means
// no cap.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		if d > max/2 {
			d = max
			break
		}
		d *= 2
	}
	return min(d, max)
}
