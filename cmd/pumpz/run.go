package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoobzio/pumpz"
)

var (
	runFlags     overrides
	runDuration  time.Duration
	produceFlags overrides
	consumeFlags overrides
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run producers and consumers in one process",
	Long: `Run producers and consumers in this process over a bounded channel or a
FIFO. The run ends after --duration, on SIGINT/SIGTERM, or when every unit
has exited. SIGUSR1 logs a status snapshot without stopping. The final
report is printed to stdout.`,
	Example: `  pumpz run
  pumpz run --transport pipe --duration 30s
  pumpz run --producers 8 --consumers 2 --capacity 10 --rate 5`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := resolve(cmd, &runFlags)
		if err != nil {
			return err
		}
		return execute(cmd, s, runDuration)
	},
}

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Run only producers, writing batches to the FIFO",
	Long: `Run only the producer side. Batches are written to the FIFO at
--pipe-path, where a "pumpz consume" process reads them. Writers wait for a
reader to appear.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := resolve(cmd, &produceFlags)
		if err != nil {
			return err
		}
		s.Transport = pumpz.TransportPipe
		s.Consumers = 0
		return execute(cmd, s, runDuration)
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run only consumers, reading batches from the FIFO",
	Long: `Run only the consumer side. Batches written by a "pumpz produce"
process are read from the FIFO at --pipe-path. The FIFO is created if it
does not exist.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := resolve(cmd, &consumeFlags)
		if err != nil {
			return err
		}
		s.Transport = pumpz.TransportPipe
		s.Producers = 0
		return execute(cmd, s, runDuration)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := resolve(cmd, &runFlags)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	runFlags.transportFlags(runCmd.Flags())
	runFlags.pipeFlags(runCmd.Flags())
	runFlags.producerFlags(runCmd.Flags())
	runFlags.consumerFlags(runCmd.Flags())
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "stop after this long (0 runs until signalled)")

	produceFlags.pipeFlags(produceCmd.Flags())
	produceFlags.producerFlags(produceCmd.Flags())
	produceCmd.Flags().DurationVar(&runDuration, "duration", 0, "stop after this long (0 runs until signalled)")

	consumeFlags.pipeFlags(consumeCmd.Flags())
	consumeFlags.consumerFlags(consumeCmd.Flags())
	consumeCmd.Flags().DurationVar(&runDuration, "duration", 0, "stop after this long (0 runs until signalled)")

	runFlags.transportFlags(configCmd.Flags())
	runFlags.pipeFlags(configCmd.Flags())
	runFlags.producerFlags(configCmd.Flags())
	runFlags.consumerFlags(configCmd.Flags())
}

// resolve layers the command-line flags over the file and environment.
func resolve(cmd *cobra.Command, o *overrides) (settings, error) {
	s, err := loadSettings(configPath)
	if err != nil {
		return s, err
	}
	o.apply(cmd.Flags(), &s)
	return s, nil
}

// execute runs one supervised pipeline, plus the metrics server when an
// address is configured, and prints the final report.
func execute(cmd *cobra.Command, s settings, duration time.Duration) error {
	logger, err := newLogger(s.logConfig())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := s.config()
	if err := cfg.Validate(); err != nil {
		return err
	}
	transport, err := cfg.NewTransport()
	if err != nil {
		return err
	}

	sup, err := pumpz.NewSupervisor(cfg, transport,
		pumpz.WithLogger(logger),
		pumpz.WithSignals(pumpz.DefaultSignalSource()),
	)
	if err != nil {
		return err
	}
	defer sup.Close()

	logger.Info("starting pipeline",
		zap.String("run", sup.RunID()),
		zap.String("transport", cfg.Transport),
		zap.Int("producers", cfg.Producers),
		zap.Int("consumers", cfg.Consumers),
	)

	ctx := cmd.Context()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	var report pumpz.Report
	g.Go(func() error {
		defer stopServing()
		r, err := sup.Run(gctx)
		report = r
		return err
	})
	if s.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(serveCtx, s.MetricsAddr, sup, logger)
		})
	}
	err = g.Wait()

	fmt.Fprint(cmd.OutOrStdout(), report.String())
	if err != nil {
		return err
	}
	if !report.Clean() {
		return errors.New("pipeline did not stop cleanly")
	}
	return nil
}
