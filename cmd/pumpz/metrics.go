package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zoobzio/pumpz"
)

// pipelineCollector exposes a Supervisor's live snapshot and permit gates
// to Prometheus. Values are read at scrape time.
type pipelineCollector struct {
	sup *pumpz.Supervisor

	batches     *prometheus.Desc
	undelivered *prometheus.Desc
	units       *prometheus.Desc
	held        *prometheus.Desc
	capacity    *prometheus.Desc
	peak        *prometheus.Desc
	uptime      *prometheus.Desc
}

func newPipelineCollector(sup *pumpz.Supervisor) *pipelineCollector {
	constLabels := prometheus.Labels{"run": sup.RunID()}
	return &pipelineCollector{
		sup: sup,
		batches: prometheus.NewDesc("pumpz_batches_total",
			"Batches by outcome", []string{"outcome"}, constLabels),
		undelivered: prometheus.NewDesc("pumpz_batches_in_transport",
			"Batches sent but not yet received", nil, constLabels),
		units: prometheus.NewDesc("pumpz_units",
			"Units by lifecycle state", []string{"state"}, constLabels),
		held: prometheus.NewDesc("pumpz_permits_held",
			"Permits currently held", []string{"gate"}, constLabels),
		capacity: prometheus.NewDesc("pumpz_permits_capacity",
			"Permit gate capacity", []string{"gate"}, constLabels),
		peak: prometheus.NewDesc("pumpz_permits_peak",
			"Most permits ever held at once", []string{"gate"}, constLabels),
		uptime: prometheus.NewDesc("pumpz_uptime_seconds",
			"Time since the pipeline started", nil, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.batches
	ch <- c.undelivered
	ch <- c.units
	ch <- c.held
	ch <- c.capacity
	ch <- c.peak
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	r := c.sup.Snapshot()

	for outcome, n := range map[string]int64{
		"produced":  r.Produced,
		"consumed":  r.Consumed,
		"dropped":   r.Dropped,
		"malformed": r.Malformed,
		"abandoned": r.Abandoned,
	} {
		ch <- prometheus.MustNewConstMetric(c.batches, prometheus.CounterValue, float64(n), outcome)
	}
	ch <- prometheus.MustNewConstMetric(c.undelivered, prometheus.GaugeValue, float64(r.Undelivered))

	running := r.UnitsStarted - r.UnitsStopped - r.UnitsFailed - r.UnitsForceTerminated
	for state, n := range map[string]int{
		"running":          running,
		"stopped":          r.UnitsStopped,
		"failed":           r.UnitsFailed,
		"force_terminated": r.UnitsForceTerminated,
	} {
		ch <- prometheus.MustNewConstMetric(c.units, prometheus.GaugeValue, float64(n), state)
	}

	for _, g := range []*pumpz.PermitGate{c.sup.ProducerGate(), c.sup.ConsumerGate()} {
		ch <- prometheus.MustNewConstMetric(c.held, prometheus.GaugeValue, float64(g.Held()), g.Name())
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(g.Capacity()), g.Name())
		ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(g.Peak()), g.Name())
	}

	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, r.Duration.Seconds())
}

func metricsRegistry(sup *pumpz.Supervisor) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newPipelineCollector(sup),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveMetrics serves /metrics on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, sup *pumpz.Supervisor, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry(sup), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("serving metrics", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
