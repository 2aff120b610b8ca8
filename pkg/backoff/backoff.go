// Package backoff provides retry delay strategies for partner deliveries.
// Every strategy is stateless and returns non-decreasing delays for increasing attempts.
package backoff

import (
	"context"
	"math"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear grows the delay as Initial * attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}

	return d
}

// Exponential doubles the delay each attempt: Initial * 2^(attempt-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}

	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}

// DefaultStrategy is 500ms doubling up to 30s.
func DefaultStrategy() Strategy {
	return NewExponential(500*time.Millisecond, 30*time.Second)
}

// Total sums the delays of the first n retries.
func Total(strategy Strategy, n int) time.Duration {
	var total time.Duration

	for attempt := 1; attempt <= n; attempt++ {
		total += strategy.Delay(attempt)
	}

	return total
}

// Wait blocks for the delay of the given attempt or until ctx is done.
func Wait(ctx context.Context, strategy Strategy, attempt int) error {
	delay := strategy.Delay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
