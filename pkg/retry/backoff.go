package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// exponential builds the backoff schedule of a normalized policy. A zero
// MaxElapsedTime never stops on elapsed time; MaxAttempts still bounds it.
func exponential(p Policy) *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime
	exp.Reset()
	return exp
}

// scaledDelay is initial * multiplier^n without jitter, capped at max.
func scaledDelay(n int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	d := float64(initial) * math.Pow(multiplier, float64(n))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
