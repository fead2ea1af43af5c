package pumpz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// Observability constants for BoundedChannel.
const (
	ChannelPushedTotal = metricz.Key("channel.pushed.total")
	ChannelPoppedTotal = metricz.Key("channel.popped.total")
	ChannelLen         = metricz.Key("channel.len")
	ChannelPeak        = metricz.Key("channel.peak")
)

// BoundedChannel is an in-memory FIFO of fixed capacity. Push blocks while
// the channel is full and Pop blocks while it is empty. Items are popped in
// exactly the order they were pushed.
//
// Close stops further pushes. Pops keep draining buffered batches and then
// return ErrClosed.
type BoundedChannel struct {
	items   chan Batch
	closed  chan struct{}
	clock   clockz.Clock
	metrics *metricz.Registry
	// mu orders Close against in-flight pushes so the items channel is never
	// closed under a sender.
	mu        sync.RWMutex
	closeOnce sync.Once
	peak      atomic.Int64
}

// NewBoundedChannel creates a channel holding at most capacity batches.
func NewBoundedChannel(capacity int) (*BoundedChannel, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: channel capacity must be positive, got %d", ErrInvalidConfig, capacity)
	}

	metrics := metricz.New()
	metrics.Counter(ChannelPushedTotal)
	metrics.Counter(ChannelPoppedTotal)
	metrics.Gauge(ChannelLen)
	metrics.Gauge(ChannelPeak)

	return &BoundedChannel{
		items:   make(chan Batch, capacity),
		closed:  make(chan struct{}),
		clock:   clockz.RealClock,
		metrics: metrics,
	}, nil
}

// Push queues b, blocking while the channel is full.
func (c *BoundedChannel) Push(ctx context.Context, b Batch) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.items <- b:
		c.pushed()
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop returns the oldest batch, blocking while the channel is empty.
// After Close it returns buffered batches first, then ErrClosed.
func (c *BoundedChannel) Pop(ctx context.Context) (Batch, error) {
	select {
	case b, ok := <-c.items:
		if !ok {
			return Batch{}, ErrClosed
		}
		c.popped()
		return b, nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// PushTimeout is Push bounded by timeout.
func (c *BoundedChannel) PushTimeout(b Batch, timeout time.Duration) error {
	ctx, cancel := c.clock.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Push(ctx, b)
}

// PopTimeout is Pop bounded by timeout.
func (c *BoundedChannel) PopTimeout(timeout time.Duration) (Batch, error) {
	ctx, cancel := c.clock.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Pop(ctx)
}

// Send implements Transport.
func (c *BoundedChannel) Send(ctx context.Context, b Batch) error {
	return c.Push(ctx, b)
}

// Receive implements Transport.
func (c *BoundedChannel) Receive(ctx context.Context) (Batch, error) {
	return c.Pop(ctx)
}

// Close marks the channel closed. It is safe to call more than once.
func (c *BoundedChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		// Blocked pushers observe c.closed and drop their read locks.
		c.mu.Lock()
		close(c.items)
		c.mu.Unlock()
	})
	return nil
}

// Len returns the number of buffered batches.
func (c *BoundedChannel) Len() int {
	return len(c.items)
}

// Cap returns the fixed capacity.
func (c *BoundedChannel) Cap() int {
	return cap(c.items)
}

// Peak returns the highest length observed after a push.
func (c *BoundedChannel) Peak() int {
	return int(c.peak.Load())
}

// Metrics returns the metrics registry for this channel.
func (c *BoundedChannel) Metrics() *metricz.Registry {
	return c.metrics
}

// WithClock sets a custom clock for testing.
func (c *BoundedChannel) WithClock(clock clockz.Clock) *BoundedChannel {
	c.clock = clock
	return c
}

func (c *BoundedChannel) pushed() {
	n := int64(len(c.items))
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	c.metrics.Counter(ChannelPushedTotal).Inc()
	c.metrics.Gauge(ChannelLen).Set(float64(n))
	c.metrics.Gauge(ChannelPeak).Set(float64(c.peak.Load()))
}

func (c *BoundedChannel) popped() {
	c.metrics.Counter(ChannelPoppedTotal).Inc()
	c.metrics.Gauge(ChannelLen).Set(float64(len(c.items)))
}
