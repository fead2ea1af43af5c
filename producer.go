package pumpz

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/zoobzio/tracez"
	"go.uber.org/zap"
)

// Observability constants for producers.
const (
	ProducerCycleSpan    = tracez.Key("producer.cycle")
	ProducerTagUnit      = tracez.Tag("producer.unit")
	ProducerTagBatchSize = tracez.Tag("producer.batch_size")
	ProducerTagOutcome   = tracez.Tag("producer.outcome")
)

// Span outcome tag values.
const (
	outcomeSent      = "sent"
	outcomeDropped   = "dropped"
	outcomeAbandoned = "abandoned"
	outcomeConsumed  = "consumed"
)

// Producer generates batches and sends them through the shared transport,
// holding a producer-side permit for the duration of each send.
type Producer struct {
	*unit
	env *env
	rng *rand.Rand
	log *zap.Logger
}

func newProducer(id int, e *env, rng *rand.Rand) *Producer {
	return &Producer{
		unit: newUnit(KindProducer, id),
		env:  e,
		rng:  rng,
		log:  e.logger.Named("producer").With(zap.Int("unit", id)),
	}
}

// ID returns the producer id written into every batch.
func (p *Producer) ID() int {
	return p.id
}

func (p *Producer) run(ctx context.Context) {
	defer p.stop()
	p.env.emit(ctx, EventUnitStarted, p.unit, nil, Batch{})
	p.log.Debug("producer started")

	for {
		err := p.cycle(ctx)
		if err == nil {
			p.set(StateIdle)
			err = sleep(ctx, p.env.clock, p.env.cfg.ProduceInterval.Jitter(p.rng))
		}
		if err == nil {
			continue
		}
		if IsCanceled(err) || errors.Is(err, ErrClosed) {
			p.log.Debug("producer stopped", zap.Error(err))
			p.env.emit(context.Background(), EventUnitStopped, p.unit, nil, Batch{})
			return
		}
		p.fail(&UnitError{Kind: KindProducer, UnitID: p.id, Op: "send", Err: err, Timestamp: p.env.clock.Now()})
		p.log.Error("producer failed", zap.Error(err))
		p.env.emit(context.Background(), EventUnitFailed, p.unit, p.Err(), Batch{})
		return
	}
}

// cycle produces and sends one batch. A nil return means the batch was
// either delivered or dropped and the loop may continue.
func (p *Producer) cycle(ctx context.Context) error {
	p.set(StateGenerating)
	batch := p.env.generator(p.id, p.rng)

	ctx, span := p.env.tracer.StartSpan(ctx, ProducerCycleSpan)
	span.SetTag(ProducerTagUnit, strconv.Itoa(p.id))
	span.SetTag(ProducerTagBatchSize, strconv.Itoa(len(batch.Items)))
	defer span.Finish()

	// Cancellation drops the in-flight batch without sending it.
	abandon := func(err error) error {
		span.SetTag(ProducerTagOutcome, outcomeAbandoned)
		p.env.stats.abandoned.Add(1)
		return err
	}

	if err := p.env.throttle.Wait(ctx); err != nil {
		return abandon(err)
	}

	p.set(StateAcquiring)
	if err := p.env.producerGate.Acquire(ctx); err != nil {
		return abandon(err)
	}

	p.set(StateSending)
	start := time.Now()
	// Counted before Send so no snapshot sees a batch consumed but not yet
	// produced. Undone when the send fails.
	p.env.stats.produced.Add(1)
	err := p.env.transport.Send(ctx, batch)
	p.env.producerGate.Release()
	if err != nil {
		p.env.stats.produced.Add(-1)
	}

	switch {
	case err == nil:
		span.SetTag(ProducerTagOutcome, outcomeSent)
		p.env.metrics.Counter(SupervisorProducedTotal).Inc()
		p.log.Info("batch produced",
			zap.Ints("items", batch.Items),
			zap.Duration("send", time.Since(start)),
		)
		return nil
	case IsCanceled(err), errors.Is(err, ErrClosed):
		return abandon(err)
	default:
		span.SetTag(ProducerTagOutcome, outcomeDropped)
		p.env.drop(ctx, p.unit, batch, err)
		p.log.Warn("batch dropped", zap.Ints("items", batch.Items), zap.Error(err))
		if IsFatal(err) {
			return err
		}
		return nil
	}
}
