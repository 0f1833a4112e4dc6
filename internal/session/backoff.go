package session

import (
	"math/rand"
	"time"
)

// backoffDelay returns the deterministic reconnect delay for the given
// consecutive failed attempt (1-based): base * 2^(attempt-1), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// jitterDelay spreads a delay over 0.7..1.3 of its value so synchronized
// restarts don't hammer the gateway in lockstep.
func jitterDelay(rng *rand.Rand, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := 0.7 + rng.Float64()*0.6
	return time.Duration(float64(d) * j)
}
