// Package config contains all knobs and defaults used to configure a
// reconstruction run.
package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/paris-tomo/paris/pkg/geometry"
	"github.com/paris-tomo/paris/pkg/orchestrator"
	"github.com/paris-tomo/paris/pkg/pipeline"
	"github.com/paris-tomo/paris/pkg/recon"
)

const (
	DefaultInputPattern  = "*.raw"
	DefaultOutputPrefix  = "vol"
	DefaultMetricsAddr   = "0.0.0.0:2112"
	DefaultLedgerURI     = "file:paris-ledger.db"
	DefaultDeviceCount   = 1
	DefaultFailurePolicy = string(orchestrator.FailurePolicyAbort)
)

// LogConfig defines the log output settings. For production we recommend
// the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines where the Prometheus metrics of a run are served.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type InputConfig struct {
	Dir string
	// Pattern selects the projection files inside Dir. Matches are read in
	// lexical order.
	Pattern string
	// Synthetic replaces the projection files with the line integrals of a
	// centred cylinder. Dir is ignored.
	Synthetic bool
}

type OutputConfig struct {
	Path   string
	Prefix string
}

type PipelineConfig struct {
	// InputLimit is the capacity of every queue between two stages.
	InputLimit          int
	ParallelProjections int
}

// DevicesConfig describes the host devices a run may use.
type DevicesConfig struct {
	Count int
	// MemoryBytes is the per-device memory budget. Zero means unlimited.
	MemoryBytes int64
}

type LedgerConfig struct {
	Enabled bool
	URI     string
}

type Config struct {
	Log      LogConfig
	Trace    TraceConfig
	Metrics  MetricConfig
	Detector geometry.Detector
	ROI      geometry.ROI `mapstructure:"roi"`
	Input    InputConfig
	Output   OutputConfig

	// EnableIO gates the reconstruction. Without it a run only plans the
	// volume and returns.
	EnableIO bool `mapstructure:"enableIO"`

	Pipeline      PipelineConfig
	Devices       DevicesConfig
	FailurePolicy string
	Ledger        LedgerConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if !slices.Contains([]string{"none", "debug", "info", "warn", "error", "panic", "fatal"}, cfg.Log.Level) {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		return errors.New("config 'trace.sampleRatio' must be within [0, 1]")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("config 'metrics.addr' must be set when metrics are enabled")
	}

	if err := cfg.Detector.Validate(); err != nil {
		return fmt.Errorf("config 'detector': %w", err)
	}

	if cfg.EnableIO {
		if cfg.Input.Dir == "" && !cfg.Input.Synthetic {
			return errors.New("config 'input.dir' must be set when 'enableIO' is true")
		}
		if cfg.Output.Path == "" {
			return errors.New("config 'output.path' must be set when 'enableIO' is true")
		}
	}

	if cfg.Pipeline.InputLimit < 1 {
		return fmt.Errorf("config 'pipeline.inputLimit' must be at least 1: %w", pipeline.ErrInvalidInputLimit)
	}

	if cfg.Pipeline.ParallelProjections < 1 {
		return errors.New("config 'pipeline.parallelProjections' must be at least 1")
	}

	if cfg.Devices.Count < 0 {
		return errors.New("config 'devices.count' cannot be negative")
	}

	if cfg.Devices.MemoryBytes < 0 {
		return errors.New("config 'devices.memoryBytes' cannot be negative")
	}

	switch orchestrator.FailurePolicy(cfg.FailurePolicy) {
	case orchestrator.FailurePolicyAbort, orchestrator.FailurePolicyIsolate:
	default:
		return fmt.Errorf("config 'failurePolicy' must be one of ['abort', 'isolate']")
	}

	if cfg.Ledger.Enabled && cfg.Ledger.URI == "" {
		return errors.New("config 'ledger.uri' must be set when the ledger is enabled")
	}

	return nil
}

// DefaultConfig returns the settings of a single device run over a small
// scan, with IO, tracing, metrics and the ledger turned off.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "paris",
		},
		Metrics: MetricConfig{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
		Detector: geometry.Detector{
			PixelsH:        64,
			PixelsV:        64,
			PixelSizeH:     0.2,
			PixelSizeV:     0.2,
			DistSource:     100,
			DistDetector:   100,
			NumProjections: 36,
			AngleStep:      10,
		},
		Input: InputConfig{
			Pattern: DefaultInputPattern,
		},
		Output: OutputConfig{
			Prefix: DefaultOutputPrefix,
		},
		EnableIO: false,
		Pipeline: PipelineConfig{
			InputLimit:          pipeline.DefaultInputLimit,
			ParallelProjections: recon.DefaultParallelProjections,
		},
		Devices: DevicesConfig{
			Count: DefaultDeviceCount,
		},
		FailurePolicy: DefaultFailurePolicy,
		Ledger: LedgerConfig{
			Enabled: false,
			URI:     DefaultLedgerURI,
		},
	}
}
