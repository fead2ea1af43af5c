package pumpz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestThrottle(t *testing.T) {
	t.Run("Disabled At Zero Rate", func(t *testing.T) {
		th := NewThrottle(0, 5)
		if th != nil {
			t.Fatal("expected nil throttle")
		}
		if err := th.Wait(context.Background()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if th.Rate() != 0 || th.Burst() != 0 {
			t.Errorf("expected zero rate and burst, got %v/%d", th.Rate(), th.Burst())
		}
	})

	t.Run("Caps Emission Rate", func(t *testing.T) {
		th := NewThrottle(50, 1)
		start := time.Now()
		for range 6 {
			if err := th.Wait(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		// First token is free; the next five take 20ms each.
		if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
			t.Errorf("expected at least 80ms, got %v", elapsed)
		}
	})

	t.Run("Deadline Ends Wait As Cancellation", func(t *testing.T) {
		th := NewThrottle(0.01, 1)
		_ = th.Wait(context.Background()) //nolint:errcheck
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := th.Wait(ctx)
		if !errors.Is(err, context.DeadlineExceeded) || !IsCanceled(err) {
			t.Errorf("expected context.DeadlineExceeded, got %v", err)
		}
		// The wait lasts until the deadline instead of giving up up front.
		if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
			t.Errorf("wait returned after %v, before the deadline", elapsed)
		}
	})

	t.Run("Canceled Wait Returns Token", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		th := NewThrottle(1, 1).WithClock(clock)
		if err := th.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// This wait reserves the next token, then gives it back.
		ctx, cancel := context.WithCancel(context.Background())
		canceled := make(chan error, 1)
		go func() { canceled <- th.Wait(ctx) }()
		time.Sleep(10 * time.Millisecond)
		cancel()
		if err := <-canceled; !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		done := make(chan error, 1)
		go func() { done <- th.Wait(context.Background()) }()
		time.Sleep(10 * time.Millisecond)
		clock.Advance(time.Second)
		clock.BlockUntilReady()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("wait needed more than one token interval")
		}
	})

	t.Run("Fake Clock Drives Wait", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		th := NewThrottle(2, 1).WithClock(clock)
		if err := th.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		done := make(chan error, 1)
		go func() { done <- th.Wait(context.Background()) }()
		time.Sleep(10 * time.Millisecond)
		select {
		case <-done:
			t.Fatal("wait finished before the clock moved")
		default:
		}

		clock.Advance(500 * time.Millisecond)
		clock.BlockUntilReady()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("wait did not finish after the clock advanced")
		}
	})

	t.Run("Burst Floor", func(t *testing.T) {
		th := NewThrottle(10, 0)
		if th.Burst() != 1 {
			t.Errorf("expected burst 1, got %d", th.Burst())
		}
		var none *Throttle
		if none.WithClock(clockz.NewFakeClock()) != nil {
			t.Error("expected WithClock on nil throttle to stay nil")
		}
	})

	t.Run("Canceled Nil Throttle", func(t *testing.T) {
		var th *Throttle
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := th.Wait(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
