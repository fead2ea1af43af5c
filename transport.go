package pumpz

import "context"

// Transport moves batches from producers to consumers. BoundedChannel and
// PipeTransport are interchangeable implementations.
//
// Send and Receive must honor ctx: neither may block past its cancellation.
// Receive returns ErrNoData when the transport is idle and ErrClosed at the
// end of the stream. Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, b Batch) error
	Receive(ctx context.Context) (Batch, error)
	Close() error
}

// lengther is implemented by transports that buffer in memory.
type lengther interface {
	Len() int
}
