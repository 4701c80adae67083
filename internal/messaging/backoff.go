// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffFunc returns the wait before retry number attempt (one-based).
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff waits initial*factor^(attempt-1), capped at maxDelay when it
// is positive, with +/- jitter applied as a fraction of the result.
func ExponentialBackoff(initial time.Duration, factor float64, maxDelay time.Duration, jitter float64) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		wait := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-1)))
		if maxDelay > 0 && (wait > maxDelay || wait < 0) {
			wait = maxDelay
		}
		if jitter > 0 {
			delta := (rand.Float64()*2 - 1) * jitter * float64(wait)
			wait += time.Duration(delta)
		}
		if wait < 0 {
			return 0
		}
		return wait
	}
}

// NoBackoff retries immediately.
func NoBackoff(int) time.Duration { return 0 }

// Sleep waits for d or until ctx is done and reports whether the full wait
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
