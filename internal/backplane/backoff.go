package backplane

import (
	"context"
	"time"
)

// Backoff is a bounded exponential reconnect delay. Not safe for concurrent use;
// every consumer loop owns its own copy.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff with sane fallbacks for zero values.
func NewBackoff(min, max time.Duration) Backoff {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return Backoff{Min: min, Max: max}
}

// Next returns the delay before the next attempt: Min, 2*Min, ... capped at Max.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Min
	} else {
		b.current *= 2
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset restarts the sequence after a successful (re)connect.
func (b *Backoff) Reset() {
	b.current = 0
}

// Wait sleeps for the next delay. It returns false if ctx ended first.
func (b *Backoff) Wait(ctx context.Context) bool {
	return sleep(ctx, b.Next())
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
