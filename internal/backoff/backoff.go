// Package backoff implements bounded exponential backoff with full jitter.
// The Dispatch Core uses it to space out retries after a failed Queue
// Adapter read.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy holds backoff parameters. The zero value is not usable; build one
// with New or DefaultPolicy.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// DefaultPolicy is the substrate-outage backoff used by the Queue Adapter's
// callers: base 1s, cap 30s, full jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Multiplier: 2.0,
		Cap:        30 * time.Second,
	}
}

// New builds a Policy from explicit parameters.
func New(base time.Duration, multiplier float64, cap time.Duration) Policy {
	return Policy{Base: base, Multiplier: multiplier, Cap: cap}
}

// Next returns the full-jitter backoff duration for the given attempt
// (1-indexed: attempt 1 is the first retry after an initial failure).
// Full jitter draws uniformly from [0, min(cap, base*multiplier^(attempt-1))],
// which avoids the synchronized-retry thundering herd that a fixed +/-
// jitter fraction does not fully eliminate.
func (p Policy) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	ceiling := float64(p.Base)
	for i := 1; i < attempt; i++ {
		ceiling *= p.Multiplier
		if ceiling >= float64(p.Cap) {
			ceiling = float64(p.Cap)
			break
		}
	}

	if ceiling > float64(p.Cap) {
		ceiling = float64(p.Cap)
	}
	if ceiling <= 0 {
		return 0
	}

	return time.Duration(rand.Float64() * ceiling)
}
