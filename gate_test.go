package pumpz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestPermitGate(t *testing.T) {
	t.Run("Rejects Non Positive Capacity", func(t *testing.T) {
		for _, c := range []int{0, -1} {
			if _, err := NewPermitGate("g", c); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("capacity %d: expected ErrInvalidConfig, got %v", c, err)
			}
		}
	})

	t.Run("Acquire And Release", func(t *testing.T) {
		g, err := NewPermitGate("g", 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctx := context.Background()
		if err := g.Acquire(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := g.Acquire(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if g.Held() != 2 {
			t.Errorf("expected 2 held, got %d", g.Held())
		}
		if g.TryAcquire(0) {
			t.Error("expected TryAcquire to fail on a full gate")
		}
		g.Release()
		if !g.TryAcquire(0) {
			t.Error("expected TryAcquire to succeed after release")
		}
		g.Release()
		g.Release()
		if g.Held() != 0 {
			t.Errorf("expected 0 held, got %d", g.Held())
		}
		if g.Peak() != 2 {
			t.Errorf("expected peak 2, got %d", g.Peak())
		}
		if got := g.Metrics().Counter(GateAcquiredTotal).Value(); got != 3 {
			t.Errorf("expected 3 acquisitions, got %v", got)
		}
		if got := g.Metrics().Counter(GateTimeoutsTotal).Value(); got != 1 {
			t.Errorf("expected 1 timeout, got %v", got)
		}
	})

	t.Run("Unpaired Release Panics", func(t *testing.T) {
		g, _ := NewPermitGate("g", 1) //nolint:errcheck
		defer func() {
			r := recover()
			err, ok := r.(error)
			if !ok || !errors.Is(err, ErrReleaseWithoutAcquire) {
				t.Errorf("expected ErrReleaseWithoutAcquire panic, got %v", r)
			}
			if g.Held() != 0 {
				t.Errorf("held went negative: %d", g.Held())
			}
		}()
		g.Release()
	})

	t.Run("Acquire Honors Cancellation", func(t *testing.T) {
		g, _ := NewPermitGate("g", 1) //nolint:errcheck
		if err := g.Acquire(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- g.Acquire(ctx) }()

		time.Sleep(10 * time.Millisecond)
		cancel()
		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Acquire did not observe cancellation")
		}
		if g.Held() != 1 {
			t.Errorf("expected 1 held, got %d", g.Held())
		}
	})

	t.Run("Canceled Context Never Acquires", func(t *testing.T) {
		g, _ := NewPermitGate("g", 1) //nolint:errcheck
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := g.Acquire(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if g.Held() != 0 {
			t.Errorf("expected 0 held, got %d", g.Held())
		}
	})

	t.Run("TryAcquire Times Out With Fake Clock", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		g, _ := NewPermitGate("g", 1) //nolint:errcheck
		g.WithClock(clock)
		if !g.TryAcquire(0) {
			t.Fatal("expected first TryAcquire to succeed")
		}

		result := make(chan bool, 1)
		go func() { result <- g.TryAcquire(time.Second) }()

		// Allow the goroutine to start waiting
		time.Sleep(10 * time.Millisecond)
		clock.Advance(time.Second)
		clock.BlockUntilReady()

		select {
		case ok := <-result:
			if ok {
				t.Error("expected TryAcquire to time out")
			}
		case <-time.After(time.Second):
			t.Fatal("TryAcquire did not time out")
		}
	})

	t.Run("Scoped Releases On Error", func(t *testing.T) {
		g, _ := NewPermitGate("g", 1) //nolint:errcheck
		boom := errors.New("boom")
		err := g.Scoped(context.Background(), func() error {
			if g.Held() != 1 {
				t.Errorf("expected 1 held inside scope, got %d", g.Held())
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
		if g.Held() != 0 {
			t.Errorf("expected 0 held, got %d", g.Held())
		}
	})

	t.Run("Never Exceeds Capacity Under Contention", func(t *testing.T) {
		const capacity = 3
		g, _ := NewPermitGate("g", capacity) //nolint:errcheck

		var inside, maxInside atomic.Int64
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 50 {
					_ = g.Scoped(context.Background(), func() error { //nolint:errcheck
						n := inside.Add(1)
						for {
							m := maxInside.Load()
							if n <= m || maxInside.CompareAndSwap(m, n) {
								break
							}
						}
						if h := g.Held(); h > capacity {
							t.Errorf("held %d exceeds capacity", h)
						}
						inside.Add(-1)
						return nil
					})
				}
			}()
		}
		wg.Wait()

		if maxInside.Load() > capacity {
			t.Errorf("expected at most %d inside, got %d", capacity, maxInside.Load())
		}
		if g.Held() != 0 {
			t.Errorf("expected 0 held, got %d", g.Held())
		}
		if g.Peak() > capacity {
			t.Errorf("peak %d exceeds capacity", g.Peak())
		}
	})
}
