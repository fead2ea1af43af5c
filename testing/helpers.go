// Package testing provides test utilities and helpers for pumpz pipelines.
//
// This package includes mock transports and handlers, a concurrency sampler
// and chaos testing tools to make testing producer/consumer setups easier.
//
// Example usage:
//
//	func TestMyPipeline(t *testing.T) {
//		transport := testing.NewMockTransport(t, 5)
//		handler := testing.NewMockHandler(t)
//
//		sup, err := pumpz.NewSupervisor(cfg, transport, pumpz.WithHandler(handler.Handle))
//		require.NoError(t, err)
//		require.NoError(t, sup.Start(ctx))
//
//		testing.WaitFor(func() bool { return handler.CallCount() >= 10 }, time.Second)
//		report := sup.Shutdown(time.Second)
//		assert.True(t, report.Clean())
//	}
package testing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/pumpz"
)

// MockTransport is a pumpz.Transport over a BoundedChannel that records
// every send and can be told to fail or stall.
type MockTransport struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t          *testing.T
	ch         *pumpz.BoundedChannel
	sendErr    error
	receiveErr error
	delay      time.Duration
	sends      int64
	receives   int64
	closed     atomic.Bool
	mu         sync.RWMutex
	history    []pumpz.Batch
	maxHistory int
}

// NewMockTransport creates a mock transport buffering up to capacity batches.
func NewMockTransport(t *testing.T, capacity int) *MockTransport {
	ch, err := pumpz.NewBoundedChannel(capacity)
	if err != nil {
		t.Fatalf("mock transport: %v", err)
	}
	return &MockTransport{
		t:          t,
		ch:         ch,
		maxHistory: 100, // Keep last 100 sends by default
	}
}

// WithSendError makes every Send fail with err without buffering the batch.
// Pass nil to restore normal behavior.
func (m *MockTransport) WithSendError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
	return m
}

// WithReceiveError makes every Receive fail with err.
// Pass nil to restore normal behavior.
func (m *MockTransport) WithReceiveError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveErr = err
	return m
}

// WithDelay delays every Send and Receive. The delay honors cancellation.
func (m *MockTransport) WithDelay(d time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithHistorySize configures how many sends to keep in history.
// Set to 0 to disable history tracking.
func (m *MockTransport) WithHistorySize(size int) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxHistory = size
	if size == 0 {
		m.history = nil
	} else if len(m.history) > size {
		m.history = m.history[len(m.history)-size:]
	}
	return m
}

// Send implements pumpz.Transport.
func (m *MockTransport) Send(ctx context.Context, b pumpz.Batch) error {
	atomic.AddInt64(&m.sends, 1)

	m.mu.RLock()
	sendErr, delay := m.sendErr, m.delay
	m.mu.RUnlock()

	if err := wait(ctx, delay); err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}
	if err := m.ch.Send(ctx, b); err != nil {
		return err
	}

	m.mu.Lock()
	if m.maxHistory > 0 {
		m.history = append(m.history, b.Clone())
		if len(m.history) > m.maxHistory {
			m.history = m.history[1:] // Remove oldest
		}
	}
	m.mu.Unlock()
	return nil
}

// Receive implements pumpz.Transport.
func (m *MockTransport) Receive(ctx context.Context) (pumpz.Batch, error) {
	atomic.AddInt64(&m.receives, 1)

	m.mu.RLock()
	receiveErr, delay := m.receiveErr, m.delay
	m.mu.RUnlock()

	if err := wait(ctx, delay); err != nil {
		return pumpz.Batch{}, err
	}
	if receiveErr != nil {
		return pumpz.Batch{}, receiveErr
	}
	return m.ch.Receive(ctx)
}

// Close implements pumpz.Transport.
func (m *MockTransport) Close() error {
	m.closed.Store(true)
	return m.ch.Close()
}

// Len returns the number of buffered batches.
func (m *MockTransport) Len() int {
	return m.ch.Len()
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	return m.closed.Load()
}

// SendCount returns the number of Send calls, successful or not.
func (m *MockTransport) SendCount() int {
	return int(atomic.LoadInt64(&m.sends))
}

// ReceiveCount returns the number of Receive calls, successful or not.
func (m *MockTransport) ReceiveCount() int {
	return int(atomic.LoadInt64(&m.receives))
}

// History returns a copy of the successfully sent batches, oldest first.
func (m *MockTransport) History() []pumpz.Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := make([]pumpz.Batch, len(m.history))
	copy(history, m.history)
	return history
}

// AssertSent fails the test unless exactly n sends succeeded.
func AssertSent(t *testing.T, mock *MockTransport, n int) {
	t.Helper()
	if got := len(mock.History()); got != n {
		t.Errorf("expected %d successful sends, got %d", n, got)
	}
}

// MockHandler is a pumpz.Handler that records what it handled.
type MockHandler struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t       *testing.T
	err     error
	delay   time.Duration
	calls   int64
	mu      sync.RWMutex
	batches []pumpz.Batch
}

// NewMockHandler creates a handler that accepts every batch.
func NewMockHandler(t *testing.T) *MockHandler {
	return &MockHandler{t: t}
}

// WithError makes the handler reject every batch with err.
func (h *MockHandler) WithError(err error) *MockHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
	return h
}

// WithDelay makes the handler take d per batch. The delay honors cancellation.
func (h *MockHandler) WithDelay(d time.Duration) *MockHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = d
	return h
}

// Handle satisfies pumpz.Handler.
func (h *MockHandler) Handle(ctx context.Context, _ int, b pumpz.Batch) error {
	atomic.AddInt64(&h.calls, 1)

	h.mu.Lock()
	h.batches = append(h.batches, b.Clone())
	err, delay := h.err, h.delay
	h.mu.Unlock()

	if werr := wait(ctx, delay); werr != nil {
		return werr
	}
	return err
}

// CallCount returns the number of batches handed to the handler.
func (h *MockHandler) CallCount() int {
	return int(atomic.LoadInt64(&h.calls))
}

// Batches returns a copy of every handled batch in arrival order.
func (h *MockHandler) Batches() []pumpz.Batch {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]pumpz.Batch, len(h.batches))
	copy(out, h.batches)
	return out
}

// ConcurrencySampler records how many goroutines are inside a section at
// once and the highest count seen.
type ConcurrencySampler struct {
	inside atomic.Int64
	peak   atomic.Int64
}

// Enter marks one goroutine as inside and returns the matching exit.
func (s *ConcurrencySampler) Enter() func() {
	n := s.inside.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { s.inside.Add(-1) }
}

// Inside returns the current count.
func (s *ConcurrencySampler) Inside() int {
	return int(s.inside.Load())
}

// Peak returns the highest count seen.
func (s *ConcurrencySampler) Peak() int {
	return int(s.peak.Load())
}

// ChaosTransport wraps a transport and injects failures, latency and
// malformed records at configured rates.
type ChaosTransport struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	wrapped        pumpz.Transport
	failureRate    float64
	malformedRate  float64
	latencyMin     time.Duration
	latencyMax     time.Duration
	rng            *mathrand.Rand
	mu             sync.Mutex
	totalCalls     int64
	failedCalls    int64
	malformedCalls int64
}

var errChaos = errors.New("chaos transport induced failure")

// ChaosConfig holds configuration for chaos testing.
type ChaosConfig struct {
	FailureRate   float64       // Probability that a Send fails with a transient error (0.0 to 1.0)
	MalformedRate float64       // Probability that a received record is reported malformed (0.0 to 1.0)
	LatencyMin    time.Duration // Minimum additional latency to inject
	LatencyMax    time.Duration // Maximum additional latency to inject
	Seed          uint64        // Random seed for reproducible chaos (0 for random seed)
}

// NewChaosTransport creates a chaos transport around wrapped.
func NewChaosTransport(wrapped pumpz.Transport, config ChaosConfig) *ChaosTransport {
	seed := config.Seed
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			seed = uint64(time.Now().UnixNano()) //nolint:gosec // G115: sign is irrelevant for a seed
		} else {
			seed = binary.BigEndian.Uint64(seedBytes[:])
		}
	}

	return &ChaosTransport{
		wrapped:       wrapped,
		failureRate:   config.FailureRate,
		malformedRate: config.MalformedRate,
		latencyMin:    config.LatencyMin,
		latencyMax:    config.LatencyMax,
		rng:           mathrand.New(mathrand.NewPCG(seed, seed)), //nolint:gosec // G404: Test utility uses weak RNG for deterministic chaos scenarios
	}
}

func (c *ChaosTransport) roll() (latency time.Duration, fail, malformed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latencyMax > c.latencyMin {
		latency = c.latencyMin + time.Duration(c.rng.Int64N(int64(c.latencyMax-c.latencyMin)))
	} else {
		latency = c.latencyMin
	}
	return latency, c.rng.Float64() < c.failureRate, c.rng.Float64() < c.malformedRate
}

// Send implements pumpz.Transport with chaos injection.
func (c *ChaosTransport) Send(ctx context.Context, b pumpz.Batch) error {
	atomic.AddInt64(&c.totalCalls, 1)
	latency, fail, _ := c.roll()
	if err := wait(ctx, latency); err != nil {
		return err
	}
	if fail {
		atomic.AddInt64(&c.failedCalls, 1)
		return &pumpz.TransportError{Op: "send", Err: errChaos}
	}
	return c.wrapped.Send(ctx, b)
}

// Receive implements pumpz.Transport with chaos injection. A record chosen
// to be malformed is consumed from the wrapped transport and lost.
func (c *ChaosTransport) Receive(ctx context.Context) (pumpz.Batch, error) {
	atomic.AddInt64(&c.totalCalls, 1)
	latency, _, malformed := c.roll()
	if err := wait(ctx, latency); err != nil {
		return pumpz.Batch{}, err
	}
	b, err := c.wrapped.Receive(ctx)
	if err != nil || !malformed {
		return b, err
	}
	atomic.AddInt64(&c.malformedCalls, 1)
	return pumpz.Batch{}, &pumpz.DecodeError{Line: string(pumpz.EncodeBatch(b)), Reason: "chaos transport induced corruption"}
}

// Close implements pumpz.Transport.
func (c *ChaosTransport) Close() error {
	return c.wrapped.Close()
}

// Len returns the wrapped transport's buffered count, or 0 when it does
// not buffer in memory.
func (c *ChaosTransport) Len() int {
	if l, ok := c.wrapped.(interface{ Len() int }); ok {
		return l.Len()
	}
	return 0
}

// Stats returns statistics about chaos injection.
func (c *ChaosTransport) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:     atomic.LoadInt64(&c.totalCalls),
		FailedCalls:    atomic.LoadInt64(&c.failedCalls),
		MalformedCalls: atomic.LoadInt64(&c.malformedCalls),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	TotalCalls     int64
	FailedCalls    int64
	MalformedCalls int64
}

// FailureRate returns the actual failure rate observed.
func (s ChaosStats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// String returns a human-readable representation of the stats.
func (s ChaosStats) String() string {
	return fmt.Sprintf("ChaosStats{Total: %d, Failed: %d (%.1f%%), Malformed: %d}",
		s.TotalCalls, s.FailedCalls, s.FailureRate()*100, s.MalformedCalls)
}

// Helper Functions

// WaitFor polls cond until it holds or timeout passes. Returns true if
// cond held.
func WaitFor(cond func() bool, timeout time.Duration) bool {
	start := time.Now()
	for time.Since(start) < timeout {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// ParallelTest runs a test function in parallel with multiple goroutines.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}

	wg.Wait()
}

// MeasureLatency measures the latency of a function call.
func MeasureLatency(fn func()) time.Duration {
	start := time.Now()
	fn()
	return time.Since(start)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
