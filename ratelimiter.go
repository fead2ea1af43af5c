package pumpz

import (
	"context"

	"github.com/zoobzio/clockz"
	"golang.org/x/time/rate"
)

// Throttle caps the combined emission rate of every producer sharing it.
// It uses a token bucket: ratePerSecond batches per second on average with
// bursts of up to burst batches.
//
// A Throttle must be shared. Creating one per producer caps each producer
// separately rather than the pipeline as a whole.
//
// A nil *Throttle never blocks.
type Throttle struct {
	limiter *rate.Limiter
	clock   clockz.Clock
}

// NewThrottle returns a Throttle, or nil when ratePerSecond is not positive.
func NewThrottle(ratePerSecond float64, burst int) *Throttle {
	if ratePerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		clock:   clockz.RealClock,
	}
}

// Wait blocks until the next batch may be emitted or ctx is done. A wait
// that outlasts ctx ends with ctx.Err() when ctx ends, never earlier.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := t.clock.Now()
	r := t.limiter.ReserveN(now, 1)
	if err := sleep(ctx, t.clock, r.DelayFrom(now)); err != nil {
		// Return the unused token.
		r.CancelAt(t.clock.Now())
		return err
	}
	return nil
}

// Rate returns the configured rate in batches per second, 0 when unlimited.
func (t *Throttle) Rate() float64 {
	if t == nil {
		return 0
	}
	return float64(t.limiter.Limit())
}

// Burst returns the bucket size, 0 when unlimited.
func (t *Throttle) Burst() int {
	if t == nil {
		return 0
	}
	return t.limiter.Burst()
}

// WithClock sets a custom clock for testing. It is a no-op on a nil Throttle.
func (t *Throttle) WithClock(clock clockz.Clock) *Throttle {
	if t != nil && clock != nil {
		t.clock = clock
	}
	return t
}
