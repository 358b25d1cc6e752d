package worker

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff produces successive delays for session-probe retries: each call
// doubles the delay up to a ceiling, with ±25% jitter so a fleet of workers
// restarting together does not retry in lockstep.
type Backoff struct {
	base time.Duration
	max  time.Duration
	next time.Duration
}

// NewBackoff builds a Backoff growing from base to max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	return &Backoff{base: base, max: max, next: base}
}

// Next returns the delay to sleep before the following attempt and advances
// the schedule.
func (b *Backoff) Next() time.Duration {
	d := jitter(b.next)
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset returns the schedule to its base delay after a successful attempt.
func (b *Backoff) Reset() {
	b.next = b.base
}

// jitter spreads d across [0.75d, 1.25d), sourced from crypto/rand like the
// rate limiter's cooldown jitter.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 2
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return d
	}
	return time.Duration(int64(d)*3/4 + n.Int64())
}
