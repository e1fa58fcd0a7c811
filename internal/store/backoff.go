package store

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a failed job becomes claimable again.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the fraction of the delay added at random, 0.1 adds up to 10%.
	Jitter float64
}

// DefaultBackoff starts at five seconds and tops out at ten minutes.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Max: 10 * time.Minute, Jitter: 0.1}

// Delay returns min(base*2^n, max) plus jitter, never exceeding max.
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
