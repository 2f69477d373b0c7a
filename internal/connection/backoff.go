package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxAttempts  = 5
	defaultJitter       = 0.2
)

// newBackOff returns the reconnect delay policy: doubling from
// InitialDelay, capped at MaxDelay, with Jitter as the randomization
// factor. A negative Jitter disables randomization.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = max(cfg.Jitter, 0)
	b.Reset()
	return b
}

// sleep waits for d unless stop or done fires first. It reports whether
// the full delay elapsed.
func sleep(d time.Duration, stop <-chan struct{}, done <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-done:
		return false
	}
}
