package asyncx

import (
	"math"
	"testing"
	"time"
)

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 40; attempt++ {
		d := b.Delay(attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v < previous %v", attempt, d, prev)
		}
		if d > b.Cap {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
		}
		prev = d
	}
	if got := b.Delay(1); got != time.Second {
		t.Fatalf("Delay(1) = %v", got)
	}
	if got := b.Delay(3); got != 4*time.Second {
		t.Fatalf("Delay(3) = %v", got)
	}
	if got := b.Delay(10); got != 30*time.Second {
		t.Fatalf("Delay(10) = %v", got)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		b := Backoff{Base: time.Second, Cap: 10 * time.Second, Jitter: 0.2, Rand: func() float64 { return r }}
		for attempt := 1; attempt <= 8; attempt++ {
			plain := Backoff{Base: b.Base, Cap: b.Cap}.Delay(attempt)
			d := b.Delay(attempt)
			lo := time.Duration(float64(plain)*0.8) - time.Nanosecond
			hi := time.Duration(float64(plain)*1.2) + time.Nanosecond
			if hi > b.Cap {
				hi = b.Cap
			}
			if d < lo || d > hi {
				t.Fatalf("r=%v attempt %d: %v outside [%v, %v]", r, attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoff_ZeroAttemptTreatedAsFirst(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute}
	if b.Delay(0) != b.Delay(1) {
		t.Fatalf("Delay(0) = %v, Delay(1) = %v", b.Delay(0), b.Delay(1))
	}
}

func TestBackoff_ZeroCapIsUncapped(t *testing.T) {
	b := Backoff{Base: time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := b.Delay(200); got != time.Duration(math.MaxInt64) {
		t.Fatalf("Delay(200) = %v, want saturation", got)
	}
}
