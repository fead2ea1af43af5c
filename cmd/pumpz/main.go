package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "pumpz",
		Short: "Bounded producer/consumer pipelines over channels and FIFOs",
		Long: `pumpz runs a supervised producer/consumer pipeline. Producers emit
batches of random integers, consumers take them off a bounded channel or a
named pipe, and permit gates cap how many of each side work at once.

Run both sides in one process with "run", or split them across processes
with "produce" and "consume" sharing a FIFO.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Global flags.
var (
	configPath  string
	logLevel    string
	logDev      bool
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logDev, "log-dev", false, "human-readable console logs")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(configCmd)
}
