package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes the delay before a retry. Attempt numbers start at 1
// for the first retry.
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by factor per attempt, capped at max,
// with optional symmetric jitter.
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponentialBackoff creates a new exponential backoff.
func NewExponentialBackoff(initial, maxDelay time.Duration, factor, jitter float64) *ExponentialBackoff {
	if factor < 1 {
		factor = 2.0
	}
	return &ExponentialBackoff{
		initial: initial,
		max:     maxDelay,
		factor:  factor,
		jitter:  jitter,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
}

// Next implements Backoff.
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(b.initial) * math.Pow(b.factor, float64(attempt-1))
	if b.max > 0 && backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	if b.jitter > 0 {
		b.mu.Lock()
		jitterRange := backoff * b.jitter
		backoff += (b.rand.Float64() * 2 * jitterRange) - jitterRange
		b.mu.Unlock()
	}

	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// ConstantBackoff waits the same interval before every retry.
type ConstantBackoff struct {
	interval time.Duration
}

// NewConstantBackoff creates a new constant backoff.
func NewConstantBackoff(interval time.Duration) *ConstantBackoff {
	return &ConstantBackoff{interval: interval}
}

// Next implements Backoff.
func (b *ConstantBackoff) Next(int) time.Duration {
	return b.interval
}

// LinearBackoff adds increment per attempt, capped at max.
type LinearBackoff struct {
	initial   time.Duration
	increment time.Duration
	max       time.Duration
}

// NewLinearBackoff creates a new linear backoff.
func NewLinearBackoff(initial, increment, maxDelay time.Duration) *LinearBackoff {
	return &LinearBackoff{
		initial:   initial,
		increment: increment,
		max:       maxDelay,
	}
}

// Next implements Backoff.
func (b *LinearBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := b.initial + time.Duration(attempt-1)*b.increment
	if b.max > 0 && backoff > b.max {
		backoff = b.max
	}
	return backoff
}
