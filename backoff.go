package pumpz

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/zoobzio/clockz"
)

// IdleBackoff spaces out retries against an idle transport. The delay
// starts at base, doubles after each idle poll up to max, and resets once
// data arrives. It is not safe for concurrent use; each unit owns one.
type IdleBackoff struct {
	clock   clockz.Clock
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// NewIdleBackoff creates a backoff starting at base and capped at max.
func NewIdleBackoff(base, maxDelay time.Duration, clock clockz.Clock) *IdleBackoff {
	if maxDelay < base {
		maxDelay = base
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &IdleBackoff{clock: clock, base: base, max: maxDelay, current: base}
}

// Next returns the delay for this attempt and advances the schedule.
func (b *IdleBackoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max || b.current <= 0 {
		b.current = b.max
	}
	return d
}

// Reset restarts the schedule at the base delay.
func (b *IdleBackoff) Reset() {
	b.current = b.base
}

// Wait sleeps for the next delay or until ctx is done.
func (b *IdleBackoff) Wait(ctx context.Context) error {
	return sleep(ctx, b.clock, b.Next())
}

// Interval is an inclusive [Min, Max] range of durations.
type Interval struct {
	Min time.Duration
	Max time.Duration
}

// Jitter returns a duration drawn uniformly from the interval.
func (iv Interval) Jitter(rng *rand.Rand) time.Duration {
	if iv.Max <= iv.Min {
		return iv.Min
	}
	return iv.Min + time.Duration(rng.Int64N(int64(iv.Max-iv.Min)+1))
}

// sleep waits for d on clock. It returns ctx.Err() if ctx ends first.
func sleep(ctx context.Context, clock clockz.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
