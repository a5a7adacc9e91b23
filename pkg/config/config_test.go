package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paris-tomo/paris/pkg/geometry"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
}

func TestVerifyConfig(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		err    string
	}{
		{
			name:   "log_format",
			modify: func(c *Config) { c.Log.Format = "xml" },
			err:    "config 'log.format' must be one of ['text', 'json']",
		},
		{
			name:   "log_level",
			modify: func(c *Config) { c.Log.Level = "chatty" },
			err:    "config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		},
		{
			name:   "log_timestamp_format",
			modify: func(c *Config) { c.Log.TimestampFormat = "RFC1123" },
			err:    "config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']",
		},
		{
			name: "trace_sample_ratio",
			modify: func(c *Config) {
				c.Trace.Enabled = true
				c.Trace.SampleRatio = 1.5
			},
			err: "config 'trace.sampleRatio' must be within [0, 1]",
		},
		{
			name: "metrics_addr",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = ""
			},
			err: "config 'metrics.addr' must be set when metrics are enabled",
		},
		{
			name:   "io_without_input",
			modify: func(c *Config) { c.EnableIO = true },
			err:    "config 'input.dir' must be set when 'enableIO' is true",
		},
		{
			name: "io_without_output",
			modify: func(c *Config) {
				c.EnableIO = true
				c.Input.Dir = "/scan"
			},
			err: "config 'output.path' must be set when 'enableIO' is true",
		},
		{
			name:   "parallel_projections",
			modify: func(c *Config) { c.Pipeline.ParallelProjections = 0 },
			err:    "config 'pipeline.parallelProjections' must be at least 1",
		},
		{
			name:   "device_count",
			modify: func(c *Config) { c.Devices.Count = -2 },
			err:    "config 'devices.count' cannot be negative",
		},
		{
			name:   "device_memory",
			modify: func(c *Config) { c.Devices.MemoryBytes = -1 },
			err:    "config 'devices.memoryBytes' cannot be negative",
		},
		{
			name:   "failure_policy",
			modify: func(c *Config) { c.FailurePolicy = "retry" },
			err:    "config 'failurePolicy' must be one of ['abort', 'isolate']",
		},
		{
			name: "ledger_uri",
			modify: func(c *Config) {
				c.Ledger.Enabled = true
				c.Ledger.URI = ""
			},
			err: "config 'ledger.uri' must be set when the ledger is enabled",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			require.EqualError(t, cfg.Verify(), tc.err)
		})
	}

	t.Run("input_limit", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Pipeline.InputLimit = 0
		require.ErrorContains(t, cfg.Verify(), "config 'pipeline.inputLimit' must be at least 1")
	})

	t.Run("detector", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Detector.DistSource = 0
		require.ErrorIs(t, cfg.Verify(), geometry.ErrInvalidGeometry)
	})

	t.Run("io_with_synthetic_input", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnableIO = true
		cfg.Input.Synthetic = true
		cfg.Output.Path = "/out"
		require.NoError(t, cfg.Verify())
	})

	t.Run("io_enabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnableIO = true
		cfg.Input.Dir = "/scan"
		cfg.Output.Path = "/out"
		require.NoError(t, cfg.Verify())
	})
}
