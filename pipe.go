package pumpz

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"golang.org/x/sys/unix"
)

// PipeMode selects which end of a FIFO a handle opens.
type PipeMode int

const (
	// PipeRead opens the read end.
	PipeRead PipeMode = iota
	// PipeWrite opens the write end.
	PipeWrite
)

// String returns the mode name.
func (m PipeMode) String() string {
	switch m {
	case PipeRead:
		return "read"
	case PipeWrite:
		return "write"
	default:
		return fmt.Sprintf("PipeMode(%d)", int(m))
	}
}

// Defaults for pipe handles.
const (
	DefaultPollInterval    = 200 * time.Millisecond
	DefaultOpenBackoff     = 50 * time.Millisecond
	DefaultOpenBackoffMax  = time.Second
	readBufferSize         = AtomicWriteLimit + 1
	expiredDeadlineSeconds = 1
)

// PipeOption configures pipe handles and PipeTransport.
type PipeOption func(*pipeOptions)

type pipeOptions struct {
	clock          clockz.Clock
	poll           time.Duration
	openBackoff    time.Duration
	openBackoffMax time.Duration
}

func newPipeOptions(opts []PipeOption) pipeOptions {
	o := pipeOptions{
		clock:          clockz.RealClock,
		poll:           DefaultPollInterval,
		openBackoff:    DefaultOpenBackoff,
		openBackoffMax: DefaultOpenBackoffMax,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPollInterval bounds every single read or write wait. A read that sees
// no complete record within the interval reports ErrNoData.
func WithPollInterval(d time.Duration) PipeOption {
	return func(o *pipeOptions) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithOpenBackoff sets the retry schedule used while a writer waits for
// the first reader to open the FIFO.
func WithOpenBackoff(base, maxDelay time.Duration) PipeOption {
	return func(o *pipeOptions) {
		if base > 0 {
			o.openBackoff = base
			o.openBackoffMax = maxDelay
		}
	}
}

// WithPipeClock sets the clock used for open retries.
func WithPipeClock(clock clockz.Clock) PipeOption {
	return func(o *pipeOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Pipe is one open end of a FIFO. A Pipe is owned by a single caller; use
// PipeTransport to share one between units.
type Pipe struct {
	f          *os.File
	r          *bufio.Reader
	path       string
	pending    []byte
	poll       time.Duration
	mode       PipeMode
	discarding bool
	closeOnce  sync.Once
	closeErr   error
}

// OpenPipe opens one end of the FIFO at path, creating the FIFO first when
// it does not exist. The returned handle must be closed by the caller.
//
// Opening the write end waits, with backoff, until a reader has the FIFO
// open. Every other open failure is a fatal *TransportError.
func OpenPipe(ctx context.Context, path string, mode PipeMode, opts ...PipeOption) (*Pipe, error) {
	o := newPipeOptions(opts)
	if err := EnsureFIFO(path); err != nil {
		return nil, err
	}

	flag := os.O_RDONLY
	if mode == PipeWrite {
		flag = os.O_WRONLY
	}

	// O_NONBLOCK keeps open from blocking and puts the descriptor on the
	// runtime poller, which is what makes read and write deadlines work.
	backoff := NewIdleBackoff(o.openBackoff, o.openBackoffMax, o.clock)
	for {
		f, err := os.OpenFile(path, flag|unix.O_NONBLOCK, 0)
		if err == nil {
			p := &Pipe{f: f, path: path, mode: mode, poll: o.poll}
			if mode == PipeRead {
				p.r = bufio.NewReaderSize(f, readBufferSize)
			}
			return p, nil
		}
		if mode == PipeWrite && errors.Is(err, unix.ENXIO) {
			// No reader yet.
			if werr := backoff.Wait(ctx); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, &TransportError{Op: "open", Path: path, Err: err, Fatal: true}
	}
}

// WriteBatch writes b as a single record. The record is written with one
// write call no larger than AtomicWriteLimit, so concurrent writers on the
// same FIFO never interleave inside a record.
func (p *Pipe) WriteBatch(ctx context.Context, b Batch) error {
	if p.mode != PipeWrite {
		return &TransportError{Op: "write", Path: p.path, Err: errors.New("handle opened for reading")}
	}
	rec := EncodeBatch(b)
	if len(rec) > AtomicWriteLimit {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(rec))
	}

	stop := context.AfterFunc(ctx, func() {
		_ = p.f.SetWriteDeadline(time.Unix(expiredDeadlineSeconds, 0)) //nolint:errcheck
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.f.SetWriteDeadline(time.Now().Add(p.poll)); err != nil {
			return p.ioErr("write", err)
		}
		n, err := p.f.Write(rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) && n == 0 {
			// Pipe full; nothing was written so the record is still whole.
			continue
		}
		return p.ioErr("write", err)
	}
}

// ReadBatch reads the next record. It waits at most one poll interval and
// returns ErrNoData when no complete record arrived in that time or every
// writer has gone away. A partial record is kept for the next call while
// a writer remains; once every writer has closed it is returned as a
// *DecodeError. A malformed record returns a *DecodeError and is consumed.
func (p *Pipe) ReadBatch(ctx context.Context) (Batch, error) {
	if p.mode != PipeRead {
		return Batch{}, &TransportError{Op: "read", Path: p.path, Err: errors.New("handle opened for writing")}
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = p.f.SetReadDeadline(time.Unix(expiredDeadlineSeconds, 0)) //nolint:errcheck
	})
	defer stop()
	if err := p.f.SetReadDeadline(time.Now().Add(p.poll)); err != nil {
		return Batch{}, p.ioErr("read", err)
	}

	for {
		chunk, err := p.r.ReadSlice('\n')
		if !p.discarding {
			p.pending = append(p.pending, chunk...)
		}

		switch {
		case err == nil:
			if p.discarding {
				p.discarding = false
				return Batch{}, &DecodeError{Reason: fmt.Sprintf("record exceeds %d bytes", AtomicWriteLimit)}
			}
			line := p.pending
			p.pending = p.pending[:0]
			return DecodeBatch(line)

		case errors.Is(err, bufio.ErrBufferFull):
			if len(p.pending) > AtomicWriteLimit {
				p.discarding = true
				p.pending = p.pending[:0]
			}

		case errors.Is(err, os.ErrDeadlineExceeded):
			if cerr := ctx.Err(); cerr != nil {
				return Batch{}, cerr
			}
			return Batch{}, ErrNoData

		case errors.Is(err, io.EOF):
			// Every writer is gone; a partial record can never complete.
			if p.discarding || len(p.pending) > 0 {
				fragment := string(p.pending)
				p.pending = p.pending[:0]
				p.discarding = false
				return Batch{}, &DecodeError{Line: fragment, Offset: len(fragment), Reason: "record truncated by writer close"}
			}
			return Batch{}, ErrNoData

		default:
			return Batch{}, p.ioErr("read", err)
		}
	}
}

// Close releases the file descriptor. It is safe to call more than once and
// concurrently with a blocked read or write, which then fails with ErrClosed.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.f.Close()
	})
	return p.closeErr
}

// Path returns the FIFO path.
func (p *Pipe) Path() string {
	return p.path
}

// Mode returns the end this handle has open.
func (p *Pipe) Mode() PipeMode {
	return p.mode
}

func (p *Pipe) ioErr(op string, err error) error {
	if errors.Is(err, os.ErrClosed) {
		return ErrClosed
	}
	return &TransportError{Op: op, Path: p.path, Err: err}
}

// PipeTransport is a Transport over a FIFO. All producers share one write
// handle and all consumers share one read handle; each side is serialized
// by its own lock so a record is never split between two readers.
//
// Handles open lazily on first use. A write that fails because every reader
// has gone (EPIPE) drops the handle; the next Send reopens it.
type PipeTransport struct {
	life   context.Context
	cancel context.CancelFunc
	wlock  chan struct{}
	rlock  chan struct{}
	writer *Pipe
	reader *Pipe
	path   string
	opts   []PipeOption
	mu     sync.Mutex
}

// NewPipeTransport creates a transport over the FIFO at path.
func NewPipeTransport(path string, opts ...PipeOption) *PipeTransport {
	life, cancel := context.WithCancel(context.Background())
	return &PipeTransport{
		life:   life,
		cancel: cancel,
		wlock:  make(chan struct{}, 1),
		rlock:  make(chan struct{}, 1),
		path:   path,
		opts:   opts,
	}
}

// Path returns the FIFO path.
func (t *PipeTransport) Path() string {
	return t.path
}

// Send implements Transport.
func (t *PipeTransport) Send(ctx context.Context, b Batch) error {
	if t.life.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := t.bind(ctx)
	defer cancel()
	if err := t.acquire(ctx, t.wlock); err != nil {
		return err
	}
	defer func() { <-t.wlock }()

	w, err := t.handle(ctx, &t.writer, PipeWrite)
	if err != nil {
		return t.closedOr(err)
	}
	err = w.WriteBatch(ctx, b)
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		t.drop(&t.writer, w)
	}
	return t.closedOr(err)
}

// Receive implements Transport.
func (t *PipeTransport) Receive(ctx context.Context) (Batch, error) {
	if t.life.Err() != nil {
		return Batch{}, ErrClosed
	}
	ctx, cancel := t.bind(ctx)
	defer cancel()
	if err := t.acquire(ctx, t.rlock); err != nil {
		return Batch{}, err
	}
	defer func() { <-t.rlock }()

	r, err := t.handle(ctx, &t.reader, PipeRead)
	if err != nil {
		return Batch{}, t.closedOr(err)
	}
	b, err := r.ReadBatch(ctx)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			t.drop(&t.reader, r)
		}
		return Batch{}, t.closedOr(err)
	}
	return b, nil
}

// Close closes both handles. Blocked calls return ErrClosed. The FIFO
// itself is left in place.
func (t *PipeTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, p := range []**Pipe{&t.writer, &t.reader} {
		if *p != nil {
			errs = append(errs, (*p).Close())
			*p = nil
		}
	}
	return errors.Join(errs...)
}

// bind ties ctx to the transport lifetime so Close interrupts every wait.
func (t *PipeTransport) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (t *PipeTransport) acquire(ctx context.Context, lock chan struct{}) error {
	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return t.closedOr(ctx.Err())
	}
}

func (t *PipeTransport) handle(ctx context.Context, slot **Pipe, mode PipeMode) (*Pipe, error) {
	t.mu.Lock()
	p := *slot
	t.mu.Unlock()
	if p != nil {
		return p, nil
	}

	p, err := OpenPipe(ctx, t.path, mode, t.opts...)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.life.Err() != nil {
		_ = p.Close() //nolint:errcheck
		return nil, ErrClosed
	}
	*slot = p
	return p, nil
}

func (t *PipeTransport) drop(slot **Pipe, p *Pipe) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if *slot == p {
		*slot = nil
	}
	_ = p.Close() //nolint:errcheck
}

// closedOr maps any error seen after Close to ErrClosed.
func (t *PipeTransport) closedOr(err error) error {
	if t.life.Err() != nil {
		return ErrClosed
	}
	return err
}
