package upstream

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay computes the retry delay for the given attempt (0-indexed)
// as initial×2^min(attempt,6) with full jitter, capped at max.
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = 30 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Minute
	}
	capped := attempt
	if capped > 6 {
		capped = 6
	}
	raw := float64(initial) * math.Pow(2, float64(capped))
	if raw > float64(max) {
		raw = float64(max)
	}
	// Full jitter: a uniformly random duration in [0, raw].
	return time.Duration(rand.Int63n(int64(raw) + 1))
}
