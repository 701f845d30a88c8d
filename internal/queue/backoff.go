package queue

import "time"

// DefaultBackoffBase is the first retry delay when the store is not
// configured otherwise.
const DefaultBackoffBase = 60 * time.Second

// MaxBackoff is the ceiling on any single retry delay. Doubling saturates
// here, which also keeps the arithmetic clear of int64 overflow.
const MaxBackoff = 30 * 24 * time.Hour

// Backoff returns the delay applied before retry attempt n (1-based):
// base * 2^(n-1), saturating at MaxBackoff. Attempt 1 waits base, attempt 2
// waits 2*base, and so on. A non-positive n is treated as the first attempt.
func Backoff(base time.Duration, n int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if base >= MaxBackoff {
		return MaxBackoff
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}
