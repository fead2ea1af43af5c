package pumpz

import (
	"os"
	"syscall"
	"testing"
	"time"
)

func TestSignalSource(t *testing.T) {
	t.Run("Arm And Disarm", func(t *testing.T) {
		src := NewSignalSource([]os.Signal{syscall.SIGUSR2}, nil)
		if src.Armed() {
			t.Fatal("new source should be disarmed")
		}
		src.Arm()
		src.Arm()
		if !src.Armed() {
			t.Fatal("expected armed source")
		}
		src.Disarm()
		src.Disarm()
		if src.Armed() {
			t.Fatal("expected disarmed source")
		}
	})

	t.Run("Relays Signals While Armed", func(t *testing.T) {
		src := NewSignalSource([]os.Signal{syscall.SIGUSR2}, []os.Signal{syscall.SIGUSR1})
		src.Arm()
		defer src.Disarm()

		if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
			t.Fatalf("kill: %v", err)
		}
		select {
		case sig := <-src.Status():
			if sig != syscall.SIGUSR1 {
				t.Errorf("expected SIGUSR1, got %v", sig)
			}
		case <-time.After(time.Second):
			t.Fatal("status signal not relayed")
		}

		if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
			t.Fatalf("kill: %v", err)
		}
		select {
		case sig := <-src.Shutdown():
			if sig != syscall.SIGUSR2 {
				t.Errorf("expected SIGUSR2, got %v", sig)
			}
		case <-time.After(time.Second):
			t.Fatal("shutdown signal not relayed")
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		src := DefaultSignalSource()
		if len(src.shutdown) != 2 || len(src.status) != 1 {
			t.Errorf("unexpected default sets: %v / %v", src.shutdown, src.status)
		}
	})
}
