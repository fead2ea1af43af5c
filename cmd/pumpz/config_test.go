package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/pumpz"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pumpz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSettings(t *testing.T) {
	t.Run("Defaults Match Library", func(t *testing.T) {
		s, err := loadSettings("")
		require.NoError(t, err)
		assert.Equal(t, pumpz.DefaultConfig(), s.config())
		assert.Equal(t, "info", s.LogLevel)
	})

	t.Run("File Overrides Defaults", func(t *testing.T) {
		path := writeConfig(t, "producers: 7\nproduce_min: 250ms\ntransport: pipe\n")
		s, err := loadSettings(path)
		require.NoError(t, err)

		cfg := s.config()
		assert.Equal(t, 7, cfg.Producers)
		assert.Equal(t, 250*time.Millisecond, cfg.ProduceInterval.Min)
		assert.Equal(t, 3*time.Second, cfg.ProduceInterval.Max)
		assert.Equal(t, pumpz.TransportPipe, cfg.Transport)
		assert.Equal(t, 3, cfg.Consumers)
	})

	t.Run("Environment Overrides File", func(t *testing.T) {
		path := writeConfig(t, "producers: 7\nconsumers: 4\n")
		t.Setenv("PUMPZ_PRODUCERS", "9")
		t.Setenv("PUMPZ_IDLE_BACKOFF", "1s")
		t.Setenv("PUMPZ_LOG_DEV", "true")

		s, err := loadSettings(path)
		require.NoError(t, err)
		assert.Equal(t, 9, s.Producers)
		assert.Equal(t, 4, s.Consumers)
		assert.Equal(t, Duration(time.Second), s.IdleBackoff)
		assert.True(t, s.LogDev)
	})

	t.Run("Bad Environment Value", func(t *testing.T) {
		t.Setenv("PUMPZ_POLL_INTERVAL", "soon")
		_, err := loadSettings("")
		assert.Error(t, err)
	})

	t.Run("Unknown Field", func(t *testing.T) {
		path := writeConfig(t, "producerz: 7\n")
		_, err := loadSettings(path)
		assert.Error(t, err)
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := loadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Encodes As YAML", func(t *testing.T) {
		s, err := loadSettings("")
		require.NoError(t, err)
		out, err := yaml.Marshal(s)
		require.NoError(t, err)

		var back settings
		require.NoError(t, yaml.Unmarshal(out, &back))
		assert.Equal(t, s, back)
	})
}

func TestOverrides(t *testing.T) {
	t.Run("Only Set Flags Apply", func(t *testing.T) {
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		var o overrides
		o.producerFlags(fs)
		o.pipeFlags(fs)
		require.NoError(t, fs.Parse([]string{"--producers", "4", "--shutdown-timeout", "2s"}))

		s, err := loadSettings("")
		require.NoError(t, err)
		o.apply(fs, &s)

		assert.Equal(t, 4, s.Producers)
		assert.Equal(t, Duration(2*time.Second), s.ShutdownTimeout)
		assert.Equal(t, 3, s.BatchSize)
		assert.Equal(t, pumpz.DefaultPipePath, s.PipePath)
	})

	t.Run("Flags Beat Environment", func(t *testing.T) {
		t.Setenv("PUMPZ_CONSUMERS", "6")
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		var o overrides
		o.consumerFlags(fs)
		require.NoError(t, fs.Parse([]string{"--consumers", "1"}))

		s, err := loadSettings("")
		require.NoError(t, err)
		assert.Equal(t, 6, s.Consumers)
		o.apply(fs, &s)
		assert.Equal(t, 1, s.Consumers)
	})
}

func TestLogger(t *testing.T) {
	for _, dev := range []bool{false, true} {
		logger, err := newLogger(LogConfig{Level: "debug", Development: dev})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(-1))
	}

	_, err := newLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	t.Run("Config Prints Effective Settings", func(t *testing.T) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs([]string{"config", "--producers", "2", "--transport", "pipe"})
		require.NoError(t, rootCmd.Execute())

		var s settings
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &s))
		assert.Equal(t, 2, s.Producers)
		assert.Equal(t, pumpz.TransportPipe, s.Transport)
	})

	t.Run("Run Prints Report", func(t *testing.T) {
		t.Setenv("PUMPZ_PRODUCE_MIN", "1ms")
		t.Setenv("PUMPZ_PRODUCE_MAX", "5ms")
		t.Setenv("PUMPZ_CONSUME_MIN", "1ms")
		t.Setenv("PUMPZ_CONSUME_MAX", "2ms")
		t.Setenv("PUMPZ_LOG_LEVEL", "error")

		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs([]string{"run", "--duration", "200ms", "--rate", "5"})
		require.NoError(t, rootCmd.Execute())

		assert.Contains(t, out.String(), "batches: produced=")
		assert.Contains(t, out.String(), "leaked permits: 0")
	})
}
