// Package backoff computes the delay before a failed job becomes eligible
// for another attempt.
package backoff

import "time"

const (
	DefaultBase = time.Minute
	DefaultMax  = 24 * time.Hour
)

// Policy is an exponential schedule: after the n-th failed attempt the job
// waits Base * 2^n, capped at Max. With the default one-minute base the
// first three retries wait 2, 4 and 8 minutes.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default returns the one-minute base, one-day cap schedule.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// Delay returns the wait after attempts failed attempts.
func (p Policy) Delay(attempts int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}
	if attempts < 0 {
		attempts = 0
	}

	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
