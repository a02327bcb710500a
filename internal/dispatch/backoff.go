package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newRetryBackoff builds the per-lineage retry schedule: exponential from base
// with full jitter, capped at max, never giving up on its own (the attempt
// counter bounds retries, not elapsed time).
func newRetryBackoff(base, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = max
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
