package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"onprem/internal/config"
)

// newBackOff builds the restart delay policy.
func newBackOff(p config.Restart, jitter float64) backoff.BackOff {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = config.DefaultInitialDelay
	}
	if p.Strategy == config.BackoffFixed {
		return backoff.NewConstantBackOff(initial)
	}
	maxDelay := p.MaxDelay
	if maxDelay < initial {
		maxDelay = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.Reset()
	return b
}

// stableFor reports whether an instance healthy since healthyAt has been up
// long enough for the backoff to start over.
func stableFor(healthyAt, now time.Time, period time.Duration) bool {
	return !healthyAt.IsZero() && period > 0 && now.Sub(healthyAt) >= period
}
