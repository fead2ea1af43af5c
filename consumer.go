package pumpz

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"

	"github.com/zoobzio/tracez"
	"go.uber.org/zap"
)

// Observability constants for consumers.
const (
	ConsumerCycleSpan  = tracez.Key("consumer.cycle")
	ConsumerTagUnit    = tracez.Tag("consumer.unit")
	ConsumerTagSource  = tracez.Tag("consumer.producer")
	ConsumerTagOutcome = tracez.Tag("consumer.outcome")
)

// Handler processes one received batch. Returning an error drops the
// batch; it never stops the consumer.
type Handler func(ctx context.Context, consumerID int, b Batch) error

// Consumer receives batches from the shared transport and processes them
// while holding a consumer-side permit.
type Consumer struct {
	*unit
	env  *env
	rng  *rand.Rand
	idle *IdleBackoff
	log  *zap.Logger
}

func newConsumer(id int, e *env, rng *rand.Rand) *Consumer {
	return &Consumer{
		unit: newUnit(KindConsumer, id),
		env:  e,
		rng:  rng,
		idle: NewIdleBackoff(e.cfg.IdleBackoff, e.cfg.MaxIdleBackoff, e.clock),
		log:  e.logger.Named("consumer").With(zap.Int("unit", id)),
	}
}

// ID returns the consumer id.
func (c *Consumer) ID() int {
	return c.id
}

func (c *Consumer) run(ctx context.Context) {
	defer c.stop()
	c.env.emit(ctx, EventUnitStarted, c.unit, nil, Batch{})
	c.log.Debug("consumer started")

	for {
		err := c.cycle(ctx)
		if err == nil {
			continue
		}
		if IsCanceled(err) || errors.Is(err, ErrClosed) {
			c.log.Debug("consumer stopped", zap.Error(err))
			c.env.emit(context.Background(), EventUnitStopped, c.unit, nil, Batch{})
			return
		}
		c.fail(&UnitError{Kind: KindConsumer, UnitID: c.id, Op: "receive", Err: err, Timestamp: c.env.clock.Now()})
		c.log.Error("consumer failed", zap.Error(err))
		c.env.emit(context.Background(), EventUnitFailed, c.unit, c.Err(), Batch{})
		return
	}
}

// cycle receives and processes at most one batch. The permit is released
// on every path out.
func (c *Consumer) cycle(ctx context.Context) error {
	c.set(StateAcquiring)
	if err := c.env.consumerGate.Acquire(ctx); err != nil {
		return err
	}
	held := true
	release := func() {
		if held {
			held = false
			c.env.consumerGate.Release()
		}
	}
	defer release()

	c.set(StateReceiving)
	b, err := c.env.transport.Receive(ctx)
	if err != nil {
		var decodeErr *DecodeError
		switch {
		case IsCanceled(err), errors.Is(err, ErrClosed), IsFatal(err):
			return err
		case errors.Is(err, ErrNoData):
			release()
			c.set(StateIdle)
			return c.idle.Wait(ctx)
		case errors.As(err, &decodeErr):
			c.env.stats.malformed.Add(1)
			c.env.metrics.Counter(SupervisorMalformedTotal).Inc()
			c.env.emit(ctx, EventRecordMalformed, c.unit, err, Batch{})
			c.log.Warn("malformed record dropped", zap.Error(err))
			return nil
		default:
			// Transient I/O: back off like an idle transport.
			c.log.Warn("receive failed", zap.Error(err))
			release()
			c.set(StateIdle)
			return c.idle.Wait(ctx)
		}
	}
	c.idle.Reset()

	c.set(StateProcessing)
	ctx, span := c.env.tracer.StartSpan(ctx, ConsumerCycleSpan)
	span.SetTag(ConsumerTagUnit, strconv.Itoa(c.id))
	span.SetTag(ConsumerTagSource, strconv.Itoa(b.ProducerID))
	defer span.Finish()

	if herr := c.env.handler(ctx, c.id, b); herr != nil {
		span.SetTag(ConsumerTagOutcome, outcomeDropped)
		if IsCanceled(herr) && ctx.Err() != nil {
			c.env.stats.abandoned.Add(1)
			return herr
		}
		c.env.drop(ctx, c.unit, b, herr)
		c.log.Warn("batch dropped by handler", zap.Int("producer", b.ProducerID), zap.Error(herr))
	} else {
		span.SetTag(ConsumerTagOutcome, outcomeConsumed)
		c.env.stats.consumed.Add(1)
		c.env.metrics.Counter(SupervisorConsumedTotal).Inc()
	}

	// Simulated downstream work, still under the permit.
	return sleep(ctx, c.env.clock, c.env.cfg.ConsumeInterval.Jitter(c.rng))
}

// logHandler is the default Handler: it records the batch in the log.
func logHandler(logger *zap.Logger) Handler {
	log := logger.Named("consumer")
	return func(_ context.Context, consumerID int, b Batch) error {
		log.Info("batch consumed",
			zap.Int("unit", consumerID),
			zap.Int("producer", b.ProducerID),
			zap.Ints("items", b.Items),
		)
		return nil
	}
}
