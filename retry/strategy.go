// Package retry implements the strategy+policy+circuit-breaker layer
// every outbound RPC passes through: pluggable backoff strategies with
// jitter, split into a ShouldRetry/DelayFor pair.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes whether a call should be retried and how long to wait
// before the next attempt.
type Strategy interface {
	ShouldRetry(attempt int) bool
	DelayFor(attempt int) time.Duration
}

// jitter returns d adjusted by a symmetric uniform jitter of width
// proportional to d (default ±25%).
func jitter(d time.Duration, width float64) time.Duration {
	if width <= 0 {
		return d
	}
	span := float64(d) * width
	delta := (rand.Float64()*2 - 1) * span
	out := float64(d) + delta
	if out < 0 {
		out = 0
	}
	return time.Duration(out)
}

// Exponential implements min(base × mult^(attempt-1), max) ± jitter.
type Exponential struct {
	Base time.Duration
	Multiplier float64
	Max time.Duration
	Jitter float64
	MaxAttempts int
}

func (e Exponential) ShouldRetry(attempt int) bool { return attempt < e.MaxAttempts }

func (e Exponential) DelayFor(attempt int) time.Duration {
	mult := math.Pow(e.Multiplier, float64(attempt-1))
	d := time.Duration(float64(e.Base) * mult)
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	return jitter(d, e.Jitter)
}

// Linear implements base + increment × (attempt-1) ± jitter.
type Linear struct {
	Base time.Duration
	Increment time.Duration
	Jitter float64
	MaxAttempts int
}

func (l Linear) ShouldRetry(attempt int) bool { return attempt < l.MaxAttempts }

func (l Linear) DelayFor(attempt int) time.Duration {
	d := l.Base + l.Increment*time.Duration(attempt-1)
	return jitter(d, l.Jitter)
}

// Fixed implements base ± jitter.
type Fixed struct {
	Base time.Duration
	Jitter float64
	MaxAttempts int
}

func (f Fixed) ShouldRetry(attempt int) bool { return attempt < f.MaxAttempts }

func (f Fixed) DelayFor(attempt int) time.Duration { return jitter(f.Base, f.Jitter) }
