package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_Next(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 30, want: time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Next(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 0.5)

	for i := 0; i < 100; i++ {
		d := b.Next(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestExponentialBackoff_InvalidFactor(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(10*time.Millisecond, 0, 0, 0)
	assert.Equal(t, 20*time.Millisecond, b.Next(2))
}

func TestConstantBackoff_Next(t *testing.T) {
	t.Parallel()

	b := NewConstantBackoff(50 * time.Millisecond)
	for attempt := 1; attempt < 5; attempt++ {
		assert.Equal(t, 50*time.Millisecond, b.Next(attempt))
	}
}

func TestLinearBackoff_Next(t *testing.T) {
	t.Parallel()

	b := NewLinearBackoff(10*time.Millisecond, 10*time.Millisecond, 25*time.Millisecond)

	assert.Equal(t, 10*time.Millisecond, b.Next(1))
	assert.Equal(t, 20*time.Millisecond, b.Next(2))
	assert.Equal(t, 25*time.Millisecond, b.Next(3))
}
