// Package pumpz runs a bounded multi-producer/multi-consumer pipeline.
//
// # Overview
//
// Producers generate batches of integers and send them through a shared
// Transport; consumers receive and process them. Each side is bounded by its
// own PermitGate, so the number of units inside a send or a receive at any
// moment never exceeds the configured permits, and the transport itself
// holds a bounded number of batches. Memory use is therefore fixed no matter
// how fast either side runs.
//
// # Transports
//
// Two interchangeable transports are provided:
//
//   - BoundedChannel: an in-process FIFO of fixed capacity. Push blocks
//     while full, Pop blocks while empty, and after Close the remaining
//     batches drain before Pop reports ErrClosed.
//   - PipeTransport: an OS named pipe carrying one text record per batch,
//     "<producerId>:[a, b, c]\n". Records never exceed AtomicWriteLimit
//     bytes, so concurrent writers cannot interleave inside a record, and
//     both ends of the pipe may live in different processes.
//
// # Units
//
// A Producer loops Generating, Acquiring, Sending and Idle. A Consumer loops
// Acquiring, Receiving, Processing and Idle. Both stop on cancellation at
// any suspension point, releasing any permit they hold. Transient conditions
// (an idle pipe, a pipe with no reader yet) are retried with backoff;
// malformed records are counted and skipped; a fatal transport error stops
// only the unit that hit it.
//
// # Supervision
//
// The Supervisor starts every unit with one shared cancellation context and
// stops them together:
//
//	cfg := pumpz.DefaultConfig()
//	transport, err := cfg.NewTransport()
//	if err != nil {
//	    return err
//	}
//	sup, err := pumpz.NewSupervisor(cfg, transport,
//	    pumpz.WithLogger(logger),
//	    pumpz.WithSignals(pumpz.DefaultSignalSource()),
//	)
//	if err != nil {
//	    return err
//	}
//	defer sup.Close()
//	report, err := sup.Run(ctx)
//
// Shutdown waits up to a deadline; units that do not stop in time are
// reported as force-terminated in the Report.
//
// # Observability
//
// Gates, channels and the Supervisor expose metricz registries. Unit cycles
// are traced with tracez spans, and lifecycle events (started, stopped,
// failed, force-terminated, dropped, malformed) are delivered through hookz
// handlers registered with the Supervisor's On* methods. All waits go
// through a clockz.Clock so tests can drive time explicitly.
package pumpz
