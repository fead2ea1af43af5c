package pumpz

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
	"go.uber.org/zap"
)

// Metric keys for Supervisor observability.
const (
	SupervisorProducedTotal  = metricz.Key("supervisor.produced.total")
	SupervisorConsumedTotal  = metricz.Key("supervisor.consumed.total")
	SupervisorDroppedTotal   = metricz.Key("supervisor.dropped.total")
	SupervisorMalformedTotal = metricz.Key("supervisor.malformed.total")
	SupervisorUnitsActive    = metricz.Key("supervisor.units.active")
)

// env is what every unit of one Supervisor shares.
type env struct {
	transport    Transport
	producerGate *PermitGate
	consumerGate *PermitGate
	throttle     *Throttle
	clock        clockz.Clock
	logger       *zap.Logger
	tracer       *tracez.Tracer
	hooks        *hookz.Hooks[UnitEvent]
	metrics      *metricz.Registry
	stats        *stats
	generator    Generator
	handler      Handler
	cfg          Config
}

func (e *env) emit(ctx context.Context, key hookz.Key, u *unit, err error, b Batch) {
	_ = e.hooks.Emit(ctx, key, UnitEvent{ //nolint:errcheck
		Timestamp: e.clock.Now(),
		Err:       err,
		Batch:     b,
		Kind:      u.kind,
		State:     u.State(),
		UnitID:    u.id,
	})
}

func (e *env) drop(ctx context.Context, u *unit, b Batch, err error) {
	e.stats.dropped.Add(1)
	e.metrics.Counter(SupervisorDroppedTotal).Inc()
	e.emit(ctx, EventBatchDropped, u, err, b)
}

// Option configures a Supervisor.
type Option func(*settings)

type settings struct {
	logger    *zap.Logger
	clock     clockz.Clock
	signals   *SignalSource
	generator Generator
	handler   Handler
	seed      uint64
	seeded    bool
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for every sleep, backoff and deadline.
func WithClock(clock clockz.Clock) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSignals attaches a signal source. It is armed by Start and disarmed
// by Shutdown.
func WithSignals(src *SignalSource) Option {
	return func(s *settings) {
		s.signals = src
	}
}

// WithGenerator replaces random batch generation.
func WithGenerator(g Generator) Option {
	return func(s *settings) {
		if g != nil {
			s.generator = g
		}
	}
}

// WithHandler sets the function consumers apply to each batch. The default
// logs the batch.
func WithHandler(h Handler) Option {
	return func(s *settings) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithSeed makes generation and jitter reproducible.
func WithSeed(seed uint64) Option {
	return func(s *settings) {
		s.seed = seed
		s.seeded = true
	}
}

// Supervisor owns a set of producers and consumers sharing one transport.
// It starts them together and stops them together: Shutdown cancels every
// unit, waits up to a deadline and reports what happened.
//
//	sup, err := pumpz.NewSupervisor(cfg, transport, pumpz.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	report, err := sup.Run(ctx)
type Supervisor struct {
	env       *env
	signals   *SignalSource
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	runID     string
	units     []*unit
	report    Report
	seed      uint64
	seeded    bool
	active    atomic.Int64
	started   atomic.Bool
	stopped   bool
	mu        sync.Mutex
	once      sync.Once
}

// NewSupervisor validates cfg and prepares a Supervisor over transport.
// Nothing runs until Start.
func NewSupervisor(cfg Config, transport Transport, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}

	set := settings{logger: zap.NewNop(), clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&set)
	}
	if set.generator == nil {
		set.generator = RandomGenerator(cfg.BatchSize, cfg.MinValue, cfg.MaxValue)
	}
	if set.handler == nil {
		set.handler = logHandler(set.logger)
	}

	producerGate, err := NewPermitGate("producer", cfg.ProducerPermits)
	if err != nil {
		return nil, err
	}
	consumerGate, err := NewPermitGate("consumer", cfg.ConsumerPermits)
	if err != nil {
		return nil, err
	}

	registry := metricz.New()
	registry.Counter(SupervisorProducedTotal)
	registry.Counter(SupervisorConsumedTotal)
	registry.Counter(SupervisorDroppedTotal)
	registry.Counter(SupervisorMalformedTotal)
	registry.Gauge(SupervisorUnitsActive)

	runID := uuid.NewString()
	return &Supervisor{
		env: &env{
			transport:    transport,
			producerGate: producerGate.WithClock(set.clock),
			consumerGate: consumerGate.WithClock(set.clock),
			throttle:     NewThrottle(cfg.ProduceRate, cfg.ProduceBurst).WithClock(set.clock),
			clock:        set.clock,
			logger:       set.logger.With(zap.String("run", runID)),
			tracer:       tracez.New(),
			hooks:        hookz.New[UnitEvent](),
			metrics:      registry,
			stats:        &stats{},
			generator:    set.generator,
			handler:      set.handler,
			cfg:          cfg,
		},
		signals: set.signals,
		done:    make(chan struct{}),
		runID:   runID,
		seed:    set.seed,
		seeded:  set.seeded,
	}, nil
}

// Start launches every unit. Units run until ctx ends or Shutdown is
// called. A second Start returns ErrAlreadyStarted.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrClosed
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = s.env.clock.Now()

	var wg sync.WaitGroup
	cfg := s.env.cfg
	for i := range cfg.Producers {
		p := newProducer(i, s.env, s.rng(KindProducer, i))
		s.units = append(s.units, p.unit)
		s.launch(ctx, &wg, p.run)
	}
	for i := range cfg.Consumers {
		c := newConsumer(i, s.env, s.rng(KindConsumer, i))
		s.units = append(s.units, c.unit)
		s.launch(ctx, &wg, c.run)
	}
	s.mu.Unlock()

	go func() {
		wg.Wait()
		close(s.done)
	}()

	if s.signals != nil {
		s.signals.Arm()
		go s.relayStatus(ctx)
	}

	s.env.logger.Info("supervisor started",
		zap.Int("producers", cfg.Producers),
		zap.Int("consumers", cfg.Consumers),
		zap.Int("producer_permits", cfg.ProducerPermits),
		zap.Int("consumer_permits", cfg.ConsumerPermits),
	)
	return nil
}

func (s *Supervisor) launch(ctx context.Context, wg *sync.WaitGroup, run func(context.Context)) {
	n := s.active.Add(1)
	s.env.metrics.Gauge(SupervisorUnitsActive).Set(float64(n))
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx)
		n := s.active.Add(-1)
		s.env.metrics.Gauge(SupervisorUnitsActive).Set(float64(n))
	}()
}

func (s *Supervisor) rng(kind UnitKind, id int) *rand.Rand {
	if s.seeded {
		return rand.New(rand.NewPCG(s.seed, uint64(kind)<<32|uint64(id))) //nolint:gosec
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec
}

// relayStatus logs a snapshot for every status signal until ctx ends.
func (s *Supervisor) relayStatus(ctx context.Context) {
	for {
		select {
		case sig := <-s.signals.Status():
			r := s.Snapshot()
			s.env.logger.Info("status",
				zap.String("signal", sig.String()),
				zap.Int("units_active", int(s.active.Load())),
				zap.Int64("produced", r.Produced),
				zap.Int64("consumed", r.Consumed),
				zap.Int64("dropped", r.Dropped),
				zap.Int64("malformed", r.Malformed),
				zap.Int("producer_permits_held", s.env.producerGate.Held()),
				zap.Int("consumer_permits_held", s.env.consumerGate.Held()),
			)
		case <-ctx.Done():
			return
		}
	}
}

// Run starts the pipeline and blocks until ctx ends, a shutdown signal
// arrives or every unit has exited. It then shuts down with the configured
// timeout. The error joins the failures of every failed unit.
func (s *Supervisor) Run(ctx context.Context) (Report, error) {
	if err := s.Start(ctx); err != nil {
		return Report{}, err
	}

	var sigs <-chan os.Signal
	if s.signals != nil {
		sigs = s.signals.Shutdown()
	}
	select {
	case <-ctx.Done():
		s.env.logger.Info("context done, shutting down", zap.Error(ctx.Err()))
	case sig := <-sigs:
		s.env.logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case <-s.done:
		s.env.logger.Info("all units exited")
	}

	r := s.Shutdown(s.env.cfg.ShutdownTimeout)
	return r, r.Err()
}

// Shutdown cancels every unit and waits up to deadline for them to stop.
// Units still running at the deadline are reported as force-terminated:
// the transport is closed under them and their goroutines are abandoned.
// Shutdown is idempotent; later calls return the first Report.
func (s *Supervisor) Shutdown(deadline time.Duration) Report {
	s.once.Do(func() {
		s.report = s.shutdown(deadline)
	})
	return s.report
}

func (s *Supervisor) shutdown(deadline time.Duration) Report {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	units := s.units
	s.mu.Unlock()

	if cancel == nil {
		close(s.done)
	} else {
		cancel()
	}
	if s.signals != nil {
		s.signals.Disarm()
	}

	forced := map[*unit]bool{}
	select {
	case <-s.done:
	case <-s.env.clock.After(deadline):
		for _, u := range units {
			if !isDone(u) {
				forced[u] = true
			}
		}
	}

	if err := s.env.transport.Close(); err != nil {
		s.env.logger.Warn("transport close failed", zap.Error(err))
	}

	r := s.tally(forced)
	for _, u := range units {
		if forced[u] {
			ref := UnitRef{Kind: u.kind, ID: u.id}
			r.ForceTerminated = append(r.ForceTerminated, ref)
			s.env.logger.Warn("unit force-terminated", zap.Stringer("unit", ref), zap.Stringer("state", u.State()))
			s.env.emit(context.Background(), EventUnitForceTerminated, u, nil, Batch{})
		}
	}
	r.UnitsForceTerminated = len(r.ForceTerminated)
	r.LeakedPermits = s.env.producerGate.Held() + s.env.consumerGate.Held()
	if r.LeakedPermits > 0 {
		s.env.logger.Warn("permits still held after shutdown", zap.Int("permits", r.LeakedPermits))
	}

	s.env.logger.Info("supervisor stopped",
		zap.Int("stopped", r.UnitsStopped),
		zap.Int("failed", r.UnitsFailed),
		zap.Int("force_terminated", r.UnitsForceTerminated),
		zap.Int64("produced", r.Produced),
		zap.Int64("consumed", r.Consumed),
		zap.Int64("undelivered", r.Undelivered),
	)
	return r
}

// Snapshot returns the counters of the run so far.
func (s *Supervisor) Snapshot() Report {
	return s.tally(nil)
}

func (s *Supervisor) tally(skip map[*unit]bool) Report {
	s.mu.Lock()
	units := s.units
	startedAt := s.startedAt
	s.mu.Unlock()

	r := Report{RunID: s.runID, StartedAt: startedAt, UnitsStarted: len(units)}
	if !startedAt.IsZero() {
		r.Duration = s.env.clock.Since(startedAt)
	}
	s.env.stats.fill(&r)
	for _, u := range units {
		if skip[u] || !isDone(u) {
			continue
		}
		if err := u.Err(); err != nil {
			r.UnitsFailed++
			r.Failures = append(r.Failures, err)
		} else {
			r.UnitsStopped++
		}
	}
	if l, ok := s.env.transport.(lengther); ok {
		r.Undelivered = int64(l.Len())
	}
	return r
}

func isDone(u *unit) bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// Done is closed once every unit has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// RunID returns the identifier attached to this run's logs and report.
func (s *Supervisor) RunID() string {
	return s.runID
}

// Config returns the configuration the Supervisor was built with.
func (s *Supervisor) Config() Config {
	return s.env.cfg
}

// ProducerGate returns the gate bounding concurrent sends.
func (s *Supervisor) ProducerGate() *PermitGate {
	return s.env.producerGate
}

// ConsumerGate returns the gate bounding concurrent receives.
func (s *Supervisor) ConsumerGate() *PermitGate {
	return s.env.consumerGate
}

// Metrics returns the metrics registry for this Supervisor.
func (s *Supervisor) Metrics() *metricz.Registry {
	return s.env.metrics
}

// Tracer returns the tracer shared by every unit.
func (s *Supervisor) Tracer() *tracez.Tracer {
	return s.env.tracer
}

// Close shuts down observability components. Call it after Shutdown.
func (s *Supervisor) Close() error {
	s.env.tracer.Close()
	s.env.hooks.Close()
	return nil
}

// OnUnitStarted registers a handler called when a unit begins its loop.
func (s *Supervisor) OnUnitStarted(handler func(context.Context, UnitEvent) error) error {
	_, err := s.env.hooks.Hook(EventUnitStarted, handler)
	return err
}

// OnUnitStopped registers a handler called when a unit stops cleanly.
func (s *Supervisor) OnUnitStopped(handler func(context.Context, UnitEvent) error) error {
	_, err := s.env.hooks.Hook(EventUnitStopped, handler)
	return err
}

// OnUnitFailed registers a handler called when a unit stops on a fatal error.
func (s *Supervisor) OnUnitFailed(handler func(context.Context, UnitEvent) error) error {
	_, err := s.env.hooks.Hook(EventUnitFailed, handler)
	return err
}

// OnUnitForceTerminated registers a handler called for every unit still
// running at the shutdown deadline.
func (s *Supervisor) OnUnitForceTerminated(handler func(context.Context, UnitEvent) error) error {
	_, err := s.env.hooks.Hook(EventUnitForceTerminated, handler)
	return err
}

// OnBatchDropped registers a handler called for every dropped batch.
// The event carries the batch and the error that dropped it.
func (s *Supervisor) OnBatchDropped(handler func(context.Context, UnitEvent) error) error {
	_, err := s.env.hooks.Hook(EventBatchDropped, handler)
	return err
}

// OnRecordMalformed registers a handler called for every undecodable record.
func (s *Supervisor) OnRecordMalformed(handler func(context.Context, UnitEvent) error) error {
	_, err := s.env.hooks.Hook(EventRecordMalformed, handler)
	return err
}
