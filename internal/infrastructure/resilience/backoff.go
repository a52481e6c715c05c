package resilience

import (
	"time"
)

// Backoff computes exponential retry delays: base * 2^attempt, capped at Max.
// No jitter: the engine is the only writer to its medium, so synchronized
// retries cannot contend with anything.
type Backoff struct {
	// Base is the delay before the first retry
	Base time.Duration
	// Max caps the computed delay
	Max time.Duration
}

// New creates a backoff policy with the given base and cap. Zero values fall
// back to 500ms base and 30s cap.
func New(base, max time.Duration) Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return Backoff{Base: base, Max: max}
}

// Duration returns the delay for the given zero-based attempt number.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
