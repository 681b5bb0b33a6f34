package clock

import "time"

// Backoff yields exponentially growing delays between Base and Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// NewBackoff builds a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay for the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset restarts the sequence at Base.
func (b *Backoff) Reset() {
	b.attempt = 0
}
