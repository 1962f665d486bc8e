package outbox

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay computes the retry delay for the given attempt count:
// base·factor^attempts with ±50% jitter, capped. Jitter keeps a burst
// of failures from re-synchronizing into a thundering herd.
func backoffDelay(base, cap time.Duration, factor float64, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	if factor < 1 {
		factor = 2
	}
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempts)))
	if d <= 0 || d > cap {
		d = cap
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half) + 1))
}
