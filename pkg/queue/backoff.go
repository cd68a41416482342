package queue

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase = 5 * time.Second
	backoffCap  = 10 * time.Minute
)

// RetryDelay returns a full-jitter exponential backoff for the given attempt
// number (0-based): a uniform duration in [0, min(cap, base*2^attempt)].
// Full jitter spreads retries so a burst of failures does not thunder back
// in lockstep.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceiling := backoffCap
	if attempt < 30 { // past 2^30 the shift alone exceeds the cap
		d := backoffBase << uint(attempt)
		if d < ceiling {
			ceiling = d
		}
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}
