package mqtt

import (
	"math"
	"time"
)

// Backoff is a capped exponential delay between failed attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	return b
}

// Delay returns the wait after the n-th consecutive failure (n >= 1).
// jitter in [0,1) shaves up to 20% off, so the result never exceeds Max.
func (b Backoff) Delay(n int, jitter float64) time.Duration {
	b = b.normalized()
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n-1))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	if jitter > 0 && jitter < 1 {
		d -= d * 0.2 * jitter
	}
	return time.Duration(d)
}
