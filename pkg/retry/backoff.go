package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before retry number attempt (starting at 1).
type Backoff interface {
	Next(attempt int) time.Duration
}

// Exponential grows the delay by Multiplier each attempt, capped at Max, with
// optional symmetric jitter.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (e Exponential) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	initial := cmpOr(e.Initial, 200*time.Millisecond)
	limit := cmpOr(e.Max, 5*time.Second)
	mult := e.Multiplier
	if mult <= 0 {
		mult = 2
	}

	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if e.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*e.Jitter
	}
	if d > float64(limit) {
		d = float64(limit)
	}
	return time.Duration(d)
}

// Fixed waits the same interval between attempts.
type Fixed time.Duration

func (f Fixed) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(f)
}

// DefaultBackoff is exponential from 200ms to 5s with 10% jitter.
func DefaultBackoff() Backoff {
	return Exponential{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.1}
}

func cmpOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
