package client

import "time"

var DefaultBackoff = Backoff{Base: time.Second, Cap: 10 * time.Second}

// Backoff is a capped exponential retry schedule: min(Cap, Base * 2^attempt).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	return d
}
