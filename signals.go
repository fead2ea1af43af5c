package pumpz

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// DefaultShutdownSignals end a run gracefully.
var DefaultShutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// DefaultStatusSignals log a live snapshot without stopping the run.
var DefaultStatusSignals = []os.Signal{syscall.SIGUSR1}

// SignalSource delivers process signals to a Supervisor. It is inert until
// armed; while armed the listed signals no longer trigger their default
// action. One source serves one Supervisor at a time.
type SignalSource struct {
	shutdownCh chan os.Signal
	statusCh   chan os.Signal
	shutdown   []os.Signal
	status     []os.Signal
	mu         sync.Mutex
	armed      bool
}

// NewSignalSource creates a source for the given signal sets. Either set may
// be empty.
func NewSignalSource(shutdown, status []os.Signal) *SignalSource {
	return &SignalSource{
		shutdownCh: make(chan os.Signal, 1),
		statusCh:   make(chan os.Signal, 1),
		shutdown:   shutdown,
		status:     status,
	}
}

// DefaultSignalSource listens for SIGINT and SIGTERM to stop and SIGUSR1
// to report status.
func DefaultSignalSource() *SignalSource {
	return NewSignalSource(DefaultShutdownSignals, DefaultStatusSignals)
}

// Arm starts relaying signals. Arming twice is a no-op.
func (s *SignalSource) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return
	}
	if len(s.shutdown) > 0 {
		signal.Notify(s.shutdownCh, s.shutdown...)
	}
	if len(s.status) > 0 {
		signal.Notify(s.statusCh, s.status...)
	}
	s.armed = true
}

// Disarm stops relaying signals and restores their default handling.
func (s *SignalSource) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return
	}
	signal.Stop(s.shutdownCh)
	signal.Stop(s.statusCh)
	s.armed = false
}

// Armed reports whether signals are being relayed.
func (s *SignalSource) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Shutdown delivers shutdown signals.
func (s *SignalSource) Shutdown() <-chan os.Signal {
	return s.shutdownCh
}

// Status delivers status signals.
func (s *SignalSource) Status() <-chan os.Signal {
	return s.statusCh
}
