package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"

	"github.com/zoobzio/pumpz"
)

// Duration is a time.Duration written as "1.5s" in YAML and the environment.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// settings is the file and environment view of pumpz.Config plus the CLI's
// own knobs. Fields without a matching env var keep their previous value,
// so defaults, the YAML file and the environment layer in that order.
type settings struct {
	Transport       string   `yaml:"transport" envconfig:"PUMPZ_TRANSPORT"`
	PipePath        string   `yaml:"pipe_path" envconfig:"PUMPZ_PIPE_PATH"`
	Producers       int      `yaml:"producers" envconfig:"PUMPZ_PRODUCERS"`
	Consumers       int      `yaml:"consumers" envconfig:"PUMPZ_CONSUMERS"`
	ChannelCapacity int      `yaml:"channel_capacity" envconfig:"PUMPZ_CHANNEL_CAPACITY"`
	ProducerPermits int      `yaml:"producer_permits" envconfig:"PUMPZ_PRODUCER_PERMITS"`
	ConsumerPermits int      `yaml:"consumer_permits" envconfig:"PUMPZ_CONSUMER_PERMITS"`
	BatchSize       int      `yaml:"batch_size" envconfig:"PUMPZ_BATCH_SIZE"`
	MinValue        int      `yaml:"min_value" envconfig:"PUMPZ_MIN_VALUE"`
	MaxValue        int      `yaml:"max_value" envconfig:"PUMPZ_MAX_VALUE"`
	ProduceMin      Duration `yaml:"produce_min" envconfig:"PUMPZ_PRODUCE_MIN"`
	ProduceMax      Duration `yaml:"produce_max" envconfig:"PUMPZ_PRODUCE_MAX"`
	ConsumeMin      Duration `yaml:"consume_min" envconfig:"PUMPZ_CONSUME_MIN"`
	ConsumeMax      Duration `yaml:"consume_max" envconfig:"PUMPZ_CONSUME_MAX"`
	ProduceRate     float64  `yaml:"produce_rate" envconfig:"PUMPZ_PRODUCE_RATE"`
	ProduceBurst    int      `yaml:"produce_burst" envconfig:"PUMPZ_PRODUCE_BURST"`
	IdleBackoff     Duration `yaml:"idle_backoff" envconfig:"PUMPZ_IDLE_BACKOFF"`
	MaxIdleBackoff  Duration `yaml:"idle_backoff_max" envconfig:"PUMPZ_IDLE_BACKOFF_MAX"`
	PollInterval    Duration `yaml:"poll_interval" envconfig:"PUMPZ_POLL_INTERVAL"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" envconfig:"PUMPZ_SHUTDOWN_TIMEOUT"`
	LogLevel        string   `yaml:"log_level" envconfig:"PUMPZ_LOG_LEVEL"`
	LogDev          bool     `yaml:"log_dev" envconfig:"PUMPZ_LOG_DEV"`
	MetricsAddr     string   `yaml:"metrics_addr" envconfig:"PUMPZ_METRICS_ADDR"`
}

func fromConfig(c pumpz.Config) settings {
	return settings{
		Transport:       c.Transport,
		PipePath:        c.PipePath,
		Producers:       c.Producers,
		Consumers:       c.Consumers,
		ChannelCapacity: c.ChannelCapacity,
		ProducerPermits: c.ProducerPermits,
		ConsumerPermits: c.ConsumerPermits,
		BatchSize:       c.BatchSize,
		MinValue:        c.MinValue,
		MaxValue:        c.MaxValue,
		ProduceMin:      Duration(c.ProduceInterval.Min),
		ProduceMax:      Duration(c.ProduceInterval.Max),
		ConsumeMin:      Duration(c.ConsumeInterval.Min),
		ConsumeMax:      Duration(c.ConsumeInterval.Max),
		ProduceRate:     c.ProduceRate,
		ProduceBurst:    c.ProduceBurst,
		IdleBackoff:     Duration(c.IdleBackoff),
		MaxIdleBackoff:  Duration(c.MaxIdleBackoff),
		PollInterval:    Duration(c.PollInterval),
		ShutdownTimeout: Duration(c.ShutdownTimeout),
		LogLevel:        "info",
	}
}

func (s settings) config() pumpz.Config {
	return pumpz.Config{
		Transport:       s.Transport,
		PipePath:        s.PipePath,
		ProduceInterval: pumpz.Interval{Min: time.Duration(s.ProduceMin), Max: time.Duration(s.ProduceMax)},
		ConsumeInterval: pumpz.Interval{Min: time.Duration(s.ConsumeMin), Max: time.Duration(s.ConsumeMax)},
		ProduceRate:     s.ProduceRate,
		Producers:       s.Producers,
		Consumers:       s.Consumers,
		ChannelCapacity: s.ChannelCapacity,
		ProducerPermits: s.ProducerPermits,
		ConsumerPermits: s.ConsumerPermits,
		BatchSize:       s.BatchSize,
		MinValue:        s.MinValue,
		MaxValue:        s.MaxValue,
		ProduceBurst:    s.ProduceBurst,
		IdleBackoff:     time.Duration(s.IdleBackoff),
		MaxIdleBackoff:  time.Duration(s.MaxIdleBackoff),
		PollInterval:    time.Duration(s.PollInterval),
		ShutdownTimeout: time.Duration(s.ShutdownTimeout),
	}
}

func (s settings) logConfig() LogConfig {
	return LogConfig{Level: s.LogLevel, Development: s.LogDev}
}

// loadSettings layers the defaults, the YAML file at path (if any) and the
// PUMPZ_* environment.
func loadSettings(path string) (settings, error) {
	s := fromConfig(pumpz.DefaultConfig())

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.UnmarshalWithOptions(data, &s, yaml.DisallowUnknownField()); err != nil {
			return s, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", &s); err != nil {
		return s, fmt.Errorf("failed to load config: %w", err)
	}
	return s, nil
}

// overrides holds the values of command-line flags. Only flags the user
// actually set are applied on top of the loaded settings.
type overrides struct {
	transport       string
	pipePath        string
	producers       int
	consumers       int
	capacity        int
	producerPermits int
	consumerPermits int
	batchSize       int
	rate            float64
	shutdownTimeout time.Duration
}

func (o *overrides) transportFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.transport, "transport", "", "transport between the sides: channel or pipe")
	fs.IntVar(&o.capacity, "capacity", 0, "bounded channel capacity")
}

func (o *overrides) pipeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.pipePath, "pipe-path", "", "FIFO path for the pipe transport")
	fs.DurationVar(&o.shutdownTimeout, "shutdown-timeout", 0, "how long units get to stop before they are abandoned")
}

func (o *overrides) producerFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.producers, "producers", 0, "number of producers")
	fs.IntVar(&o.producerPermits, "producer-permits", 0, "producers allowed to work at once")
	fs.IntVar(&o.batchSize, "batch-size", 0, "integers per batch")
	fs.Float64Var(&o.rate, "rate", 0, "batches per second across all producers (0 disables)")
}

func (o *overrides) consumerFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.consumers, "consumers", 0, "number of consumers")
	fs.IntVar(&o.consumerPermits, "consumer-permits", 0, "consumers allowed to work at once")
}

func (o *overrides) apply(fs *pflag.FlagSet, s *settings) {
	if fs.Changed("transport") {
		s.Transport = o.transport
	}
	if fs.Changed("capacity") {
		s.ChannelCapacity = o.capacity
	}
	if fs.Changed("pipe-path") {
		s.PipePath = o.pipePath
	}
	if fs.Changed("shutdown-timeout") {
		s.ShutdownTimeout = Duration(o.shutdownTimeout)
	}
	if fs.Changed("producers") {
		s.Producers = o.producers
	}
	if fs.Changed("producer-permits") {
		s.ProducerPermits = o.producerPermits
	}
	if fs.Changed("batch-size") {
		s.BatchSize = o.batchSize
	}
	if fs.Changed("rate") {
		s.ProduceRate = o.rate
	}
	if fs.Changed("consumers") {
		s.Consumers = o.consumers
	}
	if fs.Changed("consumer-permits") {
		s.ConsumerPermits = o.consumerPermits
	}
	if fs.Changed("log-level") {
		s.LogLevel = logLevel
	}
	if fs.Changed("log-dev") {
		s.LogDev = logDev
	}
	if fs.Changed("metrics-addr") {
		s.MetricsAddr = metricsAddr
	}
}
