package pumpz

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Compare with errors.Is.
var (
	// ErrClosed is returned by a transport after Close. For Receive it marks
	// the end of the stream once every buffered batch has been drained.
	ErrClosed = errors.New("pumpz: transport closed")

	// ErrNoData reports an idle transport. It is transient: callers back off
	// and retry.
	ErrNoData = errors.New("pumpz: no data")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("pumpz: invalid configuration")

	// ErrReleaseWithoutAcquire is the panic value of an unpaired PermitGate.Release.
	ErrReleaseWithoutAcquire = errors.New("pumpz: permit released without matching acquire")

	// ErrRecordTooLarge is returned when an encoded batch would exceed the
	// atomic pipe write threshold.
	ErrRecordTooLarge = errors.New("pumpz: record exceeds atomic write limit")

	// ErrNotFIFO is returned when the configured pipe path exists but is not
	// a named pipe.
	ErrNotFIFO = errors.New("pumpz: path exists and is not a FIFO")

	// ErrAlreadyStarted is returned by a second Supervisor.Start.
	ErrAlreadyStarted = errors.New("pumpz: supervisor already started")
)

// DecodeError describes a wire record that does not match the batch grammar.
// It is recoverable: the record is dropped and the reader continues.
type DecodeError struct {
	Line   string
	Offset int
	Reason string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("pumpz: malformed record %q at offset %d: %s", e.Line, e.Offset, e.Reason)
}

// TransportError wraps an I/O failure of a transport operation.
// Fatal errors stop the unit that hit them; the others only drop the batch.
type TransportError struct {
	Err   error
	Op    string
	Path  string
	Fatal bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	if e.Path == "" {
		return fmt.Sprintf("pumpz: %s %s error: %v", kind, e.Op, e.Err)
	}
	return fmt.Sprintf("pumpz: %s %s %s error: %v", kind, e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a fatal TransportError.
func IsFatal(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Fatal
}

// UnitError records why a unit stopped abnormally. It is what the
// Supervisor reports for failed units.
type UnitError struct {
	Timestamp time.Time
	Err       error
	Kind      UnitKind
	Op        string
	UnitID    int
}

// Error implements the error interface.
func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %d failed during %s: %v", e.Kind, e.UnitID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *UnitError) Unwrap() error {
	return e.Err
}

// IsCanceled reports whether err is a cancellation rather than a failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
