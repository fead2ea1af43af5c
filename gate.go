package pumpz

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
	"golang.org/x/sync/semaphore"
)

// Observability constants for PermitGate.
const (
	GateHeld          = metricz.Key("gate.held")
	GateCapacity      = metricz.Key("gate.capacity")
	GatePeak          = metricz.Key("gate.peak")
	GateAcquiredTotal = metricz.Key("gate.acquired.total")
	GateTimeoutsTotal = metricz.Key("gate.timeouts.total")
)

// PermitGate bounds how many units may be inside a guarded step at once.
// Waiters are admitted in FIFO order, so no waiter starves while permits
// keep being released.
//
// Every Acquire must be paired with exactly one Release. An unpaired
// Release is a programming error and panics with ErrReleaseWithoutAcquire.
// Scoped does the pairing for you:
//
//	err := gate.Scoped(ctx, func() error {
//	    return transport.Send(ctx, batch)
//	})
type PermitGate struct {
	sem      *semaphore.Weighted
	clock    clockz.Clock
	metrics  *metricz.Registry
	name     string
	capacity int64
	held     atomic.Int64
	peak     atomic.Int64
}

// NewPermitGate creates a gate with capacity permits.
func NewPermitGate(name string, capacity int) (*PermitGate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: gate %q capacity must be positive, got %d", ErrInvalidConfig, name, capacity)
	}

	metrics := metricz.New()
	metrics.Gauge(GateHeld)
	metrics.Gauge(GateCapacity).Set(float64(capacity))
	metrics.Gauge(GatePeak)
	metrics.Counter(GateAcquiredTotal)
	metrics.Counter(GateTimeoutsTotal)

	return &PermitGate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		clock:    clockz.RealClock,
		metrics:  metrics,
		name:     name,
		capacity: int64(capacity),
	}, nil
}

// Acquire blocks until a permit is free or ctx is done.
func (g *PermitGate) Acquire(ctx context.Context) error {
	// semaphore.Weighted may grant a permit to an already-canceled context.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.acquired()
	return nil
}

// TryAcquire waits at most timeout for a permit. A timeout of zero or less
// never blocks.
func (g *PermitGate) TryAcquire(timeout time.Duration) bool {
	if timeout <= 0 {
		if !g.sem.TryAcquire(1) {
			g.metrics.Counter(GateTimeoutsTotal).Inc()
			return false
		}
		g.acquired()
		return true
	}

	ctx, cancel := g.clock.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.metrics.Counter(GateTimeoutsTotal).Inc()
		return false
	}
	g.acquired()
	return true
}

// Release returns one permit. It panics if no permit is held.
func (g *PermitGate) Release() {
	for {
		cur := g.held.Load()
		if cur <= 0 {
			panic(fmt.Errorf("%w (gate %q)", ErrReleaseWithoutAcquire, g.name))
		}
		if g.held.CompareAndSwap(cur, cur-1) {
			g.metrics.Gauge(GateHeld).Set(float64(cur - 1))
			break
		}
	}
	g.sem.Release(1)
}

// Scoped runs fn while holding a permit and releases it on every exit path.
func (g *PermitGate) Scoped(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

func (g *PermitGate) acquired() {
	held := g.held.Add(1)
	for {
		peak := g.peak.Load()
		if held <= peak || g.peak.CompareAndSwap(peak, held) {
			break
		}
	}
	g.metrics.Counter(GateAcquiredTotal).Inc()
	g.metrics.Gauge(GateHeld).Set(float64(held))
	g.metrics.Gauge(GatePeak).Set(float64(g.peak.Load()))
}

// Held returns the number of permits currently held.
func (g *PermitGate) Held() int {
	return int(g.held.Load())
}

// Capacity returns the total number of permits.
func (g *PermitGate) Capacity() int {
	return int(g.capacity)
}

// Peak returns the highest number of permits held at once.
func (g *PermitGate) Peak() int {
	return int(g.peak.Load())
}

// Name returns the gate name.
func (g *PermitGate) Name() string {
	return g.name
}

// Metrics returns the metrics registry for this gate.
func (g *PermitGate) Metrics() *metricz.Registry {
	return g.metrics
}

// WithClock sets a custom clock for testing.
func (g *PermitGate) WithClock(clock clockz.Clock) *PermitGate {
	g.clock = clock
	return g
}
