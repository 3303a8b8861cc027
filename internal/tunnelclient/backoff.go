package tunnelclient

import (
	"math/rand"
	"time"
)

// Backoff computes exponential reconnect delays with jitter: base, 2x
// base, 4x base, ... capped at max, with up to 50% random jitter added so
// many devices reconnecting after a relay restart don't all retry in
// lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay before the next reconnect attempt and advances
// the internal attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}

// Reset zeroes the attempt counter, called after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
