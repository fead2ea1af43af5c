package pumpz

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Transport kinds selectable through Config.Transport.
const (
	TransportChannel = "channel"
	TransportPipe    = "pipe"
)

// DefaultPipePath is where the pipe transport creates its FIFO by default.
const DefaultPipePath = "/tmp/producer_consumer_pipe"

// Config holds every pipeline tunable. Permit and channel capacities are
// independent of each other.
type Config struct {
	Transport       string
	PipePath        string
	ProduceInterval Interval
	ConsumeInterval Interval
	ProduceRate     float64
	Producers       int
	Consumers       int
	ChannelCapacity int
	ProducerPermits int
	ConsumerPermits int
	BatchSize       int
	MinValue        int
	MaxValue        int
	ProduceBurst    int
	IdleBackoff     time.Duration
	MaxIdleBackoff  time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Transport:       TransportChannel,
		PipePath:        DefaultPipePath,
		ProduceInterval: Interval{Min: time.Second, Max: 3 * time.Second},
		ConsumeInterval: Interval{Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond},
		Producers:       3,
		Consumers:       3,
		ChannelCapacity: 5,
		ProducerPermits: 3,
		ConsumerPermits: 2,
		BatchSize:       3,
		MinValue:        1,
		MaxValue:        100,
		ProduceBurst:    1,
		IdleBackoff:     500 * time.Millisecond,
		MaxIdleBackoff:  5 * time.Second,
		PollInterval:    DefaultPollInterval,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate reports every invalid field at once. The returned error wraps
// ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Producers >= 0, "producers must not be negative, got %d", c.Producers)
	check(c.Consumers >= 0, "consumers must not be negative, got %d", c.Consumers)
	check(c.Producers+c.Consumers > 0, "at least one producer or consumer is required")
	check(c.ProducerPermits > 0, "producer permits must be positive, got %d", c.ProducerPermits)
	check(c.ConsumerPermits > 0, "consumer permits must be positive, got %d", c.ConsumerPermits)
	check(c.BatchSize >= 0, "batch size must not be negative, got %d", c.BatchSize)
	check(c.MinValue >= 0, "min value must not be negative, got %d", c.MinValue)
	check(c.MaxValue >= c.MinValue, "max value %d is below min value %d", c.MaxValue, c.MinValue)
	check(validInterval(c.ProduceInterval), "produce interval %v..%v is invalid", c.ProduceInterval.Min, c.ProduceInterval.Max)
	check(validInterval(c.ConsumeInterval), "consume interval %v..%v is invalid", c.ConsumeInterval.Min, c.ConsumeInterval.Max)
	check(c.IdleBackoff > 0, "idle backoff must be positive, got %v", c.IdleBackoff)
	check(c.MaxIdleBackoff >= c.IdleBackoff, "max idle backoff %v is below idle backoff %v", c.MaxIdleBackoff, c.IdleBackoff)
	check(c.ProduceRate >= 0, "produce rate must not be negative, got %v", c.ProduceRate)
	check(c.ShutdownTimeout > 0, "shutdown timeout must be positive, got %v", c.ShutdownTimeout)

	switch c.Transport {
	case TransportChannel:
		check(c.ChannelCapacity > 0, "channel capacity must be positive, got %d", c.ChannelCapacity)
	case TransportPipe:
		check(c.PipePath != "", "pipe path is required")
		check(c.PollInterval > 0, "poll interval must be positive, got %v", c.PollInterval)
		if n := c.maxRecordSize(); n > AtomicWriteLimit {
			errs = append(errs, fmt.Errorf("largest record is %d bytes: %w", n, ErrRecordTooLarge))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q, want %q or %q", c.Transport, TransportChannel, TransportPipe))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// NewTransport builds the transport named by c.Transport.
func (c Config) NewTransport(opts ...PipeOption) (Transport, error) {
	switch c.Transport {
	case TransportChannel:
		return NewBoundedChannel(c.ChannelCapacity)
	case TransportPipe:
		opts = append([]PipeOption{WithPollInterval(c.PollInterval)}, opts...)
		return NewPipeTransport(c.PipePath, opts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
}

// maxRecordSize is the encoded size of the widest batch c can produce.
func (c Config) maxRecordSize() int {
	idWidth := len(strconv.Itoa(max(c.Producers-1, 0)))
	items := slices.Repeat([]int{c.MaxValue}, max(c.BatchSize, 0))
	return len(EncodeBatch(Batch{Items: items})) - 1 + idWidth
}

func validInterval(iv Interval) bool {
	return iv.Min >= 0 && iv.Max >= iv.Min
}
