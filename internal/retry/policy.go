// Package retry provides the retry policy shared by every route.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/flusso/internal/config"
)

// Policy bounds the attempts of one proxied request and spaces them with
// a backoff. A Policy is immutable; reloading configuration swaps the
// pointer held by a route, never the value seen by a running request.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultPolicy returns the policy built from the default configuration.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(config.DefaultRetryConfig())
	return p
}

// NewPolicy builds a policy from its configuration.
func NewPolicy(cfg config.RetryConfig) (*Policy, error) {
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("maxAttempts must be at least 1, got %d", cfg.MaxAttempts)
	}

	initial := cfg.InitialBackoff.Duration()
	maxDelay := cfg.MaxBackoff.Duration()

	var backoff Backoff
	switch cfg.Strategy {
	case "", config.BackoffExponential:
		backoff = NewExponentialBackoff(initial, maxDelay, cfg.Factor, cfg.Jitter)
	case config.BackoffConstant:
		backoff = NewConstantBackoff(initial)
	case config.BackoffLinear:
		backoff = NewLinearBackoff(initial, initial, maxDelay)
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", cfg.Strategy)
	}

	return &Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     backoff,
	}, nil
}

// CanRetry reports whether another attempt is allowed after the given
// number of attempts.
func (p *Policy) CanRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Wait sleeps for the backoff of the given retry, or returns the
// context's error if it is canceled first.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	delay := p.Backoff.Next(attempt)
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
