package asyncx

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base doubled per attempt, capped at Cap, with a
// symmetric jitter fraction applied afterwards. The result never exceeds Cap; a
// zero Cap leaves the delay uncapped, saturating at the largest Duration.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // 0..1, fraction of the delay

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoff matches the reference deployment: 2s doubling to 5m with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait before the attempt-th retry (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && (b.Cap <= 0 || d < b.Cap); i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		spread := float64(d) * b.Jitter
		if j := float64(d) - spread + 2*spread*r(); j < math.MaxInt64 {
			d = time.Duration(j)
		} else {
			d = math.MaxInt64
		}
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}
