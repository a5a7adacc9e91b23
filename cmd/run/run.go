// Package run contains the command that reconstructs a scan.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/paris-tomo/paris/internal/fsutil"
	"github.com/paris-tomo/paris/pkg/config"
	"github.com/paris-tomo/paris/pkg/device"
	"github.com/paris-tomo/paris/pkg/geometry"
	"github.com/paris-tomo/paris/pkg/id"
	"github.com/paris-tomo/paris/pkg/ledger"
	"github.com/paris-tomo/paris/pkg/logger"
	"github.com/paris-tomo/paris/pkg/orchestrator"
	"github.com/paris-tomo/paris/pkg/pipeline"
	"github.com/paris-tomo/paris/pkg/recon"
	"github.com/paris-tomo/paris/pkg/task"
	"github.com/paris-tomo/paris/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconstruct a scan on all configured devices",
		Long:  "Reconstruct a scan on all configured devices and block until every subvolume is done.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig returns the run configuration based on the values provided in the 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/paris', '$HOME/.paris', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func run(_ *cobra.Command, _ []string) {
	debug.SetTraceback("all")

	cfg, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := cfg.Verify(); err != nil {
		panic(err)
	}

	log := logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level, cfg.Log.TimestampFormat)
	defer crashHandler(log, os.Exit)

	runCtx := &RunContext{Logger: log, FS: fsutil.OSFileSystem{}}
	if err := runCtx.Run(context.Background(), cfg); err != nil {
		os.Exit(1)
	}
}

// crashHandler logs a panic that reached the top of the command together
// with its stack and exits with status 1. It must be deferred.
func crashHandler(log logger.Logger, exit func(int)) {
	r := recover()
	if r == nil {
		return
	}
	log.Error("crashed",
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()))
	exit(1)
}

type RunContext struct {
	Logger logger.Logger
	FS     fsutil.FileSystem
}

// telemetryConfig returns the function that must be called to shut down tracing.
func (s *RunContext) telemetryConfig(cfg *config.Config) func() error {
	if !cfg.Trace.Enabled {
		tp := telemetry.Noop()
		return func() error {
			return tp.Close(context.Background())
		}
	}

	s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t",
		cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint, cfg.Trace.OTLP.TLS.Enabled))

	options := []telemetry.TracerOption{
		telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
		telemetry.WithServiceName(cfg.Trace.ServiceName),
		telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
	}
	if !cfg.Trace.OTLP.TLS.Enabled {
		options = append(options, telemetry.WithOTLPInsecure())
	}

	tp := telemetry.MustNewTracerProvider(options...)
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		return tp.Close(ctx)
	}
}

// plan computes the volume geometry of the scan and splits it into
// subvolumes that fit the device memory budget.
func (s *RunContext) plan(cfg *config.Config) (geometry.Volume, geometry.Subvolumes, error) {
	vol, err := geometry.CalculateVolume(cfg.Detector, cfg.ROI)
	if err != nil {
		return geometry.Volume{}, geometry.Subvolumes{}, err
	}

	// Every volume in flight must fit next to the projections in flight.
	budget := cfg.Devices.MemoryBytes / int64(recon.VolumesInFlight(cfg.Pipeline.InputLimit))
	inFlight := recon.ProjectionsInFlight(cfg.Pipeline.InputLimit, cfg.Pipeline.ParallelProjections)
	sub, err := geometry.CreateSubvolumes(vol, cfg.Detector, inFlight, budget)
	if err != nil {
		return geometry.Volume{}, geometry.Subvolumes{}, err
	}

	s.Logger.Info("volume geometry",
		zap.Int("dim_x", vol.DimX),
		zap.Int("dim_y", vol.DimY),
		zap.Int("dim_z", vol.DimZ),
		zap.Int("subvolumes", sub.Count))
	return vol, sub, nil
}

// tasks builds the task list of the scan described by cfg.
func (s *RunContext) tasks(cfg *config.Config) ([]task.Task, error) {
	det := cfg.Detector

	var files []string
	if cfg.Input.Synthetic {
		files = make([]string, det.NumProjections)
		for i := range files {
			files[i] = fmt.Sprintf("synthetic_%04d", i)
		}
	} else {
		matches, err := s.FS.Glob(filepath.Join(cfg.Input.Dir, cfg.Input.Pattern))
		if err != nil {
			return nil, fmt.Errorf("list projections: %w", err)
		}
		for _, m := range matches {
			files = append(files, filepath.Base(m))
		}
		if len(files) != det.NumProjections && len(files) > 0 {
			s.Logger.Warn("projection count differs from the detector configuration",
				zap.Int("found", len(files)),
				zap.Int("configured", det.NumProjections))
		}
	}

	vol, sub, err := s.plan(cfg)
	if err != nil {
		return nil, err
	}

	return task.Generate(task.Options{
		InputDir:   cfg.Input.Dir,
		Files:      files,
		OutputPath: cfg.Output.Path,
		Prefix:     cfg.Output.Prefix,
	}, det, vol, sub)
}

// consumer returns the function the shared sink hands every finished
// volume to. It takes ownership of the volume.
func (s *RunContext) consumer(cfg *config.Config, runID id.RunID, led *ledger.Ledger) func(context.Context, recon.Payload) error {
	writer := recon.VolumeWriter{FS: s.FS}

	return func(ctx context.Context, p recon.Payload) error {
		defer p.Release()

		v, ok := p.(*recon.Volume)
		if !ok {
			return fmt.Errorf("sink received %T instead of a volume", p)
		}

		path, err := writer.Write(ctx, v)
		if err != nil {
			return err
		}

		if led != nil {
			err = led.Record(ctx, ledger.Entry{
				RunID:  runID.String(),
				TaskID: v.TaskID,
				Device: v.Buffer.Device(),
				Path:   path,
				Voxels: v.Buffer.Shape().Len(),
			})
			if err != nil {
				return fmt.Errorf("record volume %d: %w", v.TaskID, err)
			}
		}

		s.Logger.Debug("volume done",
			zap.Int("task", v.TaskID),
			zap.Int("device", v.Buffer.Device()),
			zap.String("path", path))
		return nil
	}
}

// Run reconstructs the scan described by cfg. Without 'enableIO' it only
// plans the volume. Failures, including an interrupted run, are logged
// before they are returned.
func (s *RunContext) Run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(cfg)
	defer func() {
		if err := tracerProviderCloser(); err != nil {
			s.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Error("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
			}
		}()
	}

	if !cfg.EnableIO {
		// The geometry is still checked so a bad configuration fails early.
		_, sub, err := s.plan(cfg)
		if err != nil {
			err = &pipeline.ConstructionError{Device: -1, Op: "plan volume", Err: err}
			s.Logger.Error("pipeline construction failed", zap.Error(err))
			return err
		}
		s.Logger.Info("reconstruction skipped because 'enableIO' is false",
			zap.Int("subvolumes", sub.Count))
		return nil
	}

	summary, err := s.reconstruct(ctx, cfg)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrConstruction):
			s.Logger.Error("pipeline construction failed", zap.Error(err))
		case errors.Is(err, pipeline.ErrInterrupted):
			s.Logger.Error("reconstruction interrupted",
				zap.Int("tasks", summary.Total()),
				zap.String("elapsed", FormatElapsed(summary.Elapsed)),
				zap.Error(err))
		default:
			s.Logger.Error("pipeline execution failed", zap.Error(err))
		}
		return err
	}

	s.Logger.Info("reconstruction finished",
		zap.String("run_id", summary.RunID.String()),
		zap.Int("tasks", summary.Total()),
		zap.Ints("tasks_per_device", summary.Processed),
		zap.String("elapsed", FormatElapsed(summary.Elapsed)))
	return nil
}

func (s *RunContext) reconstruct(ctx context.Context, cfg *config.Config) (orchestrator.Summary, error) {
	construction := func(op string, err error) error {
		return &pipeline.ConstructionError{Device: -1, Op: op, Err: err}
	}

	tasks, err := s.tasks(cfg)
	if err != nil {
		return orchestrator.Summary{}, construction("generate tasks", err)
	}

	runID, err := id.NewRunID()
	if err != nil {
		return orchestrator.Summary{}, construction("run id", err)
	}

	var led *ledger.Ledger
	if cfg.Ledger.Enabled {
		led, err = ledger.Open(ctx, cfg.Ledger.URI,
			ledger.WithLogger(s.Logger),
			ledger.WithMetrics(cfg.Metrics.Enabled))
		if err != nil {
			return orchestrator.Summary{}, construction("open ledger", err)
		}
		defer led.Close()
	}

	var loader recon.ProjectionLoader = recon.RawLoader{FS: s.FS}
	if cfg.Input.Synthetic {
		loader = recon.CylinderLoader(cfg.Detector, float64(cfg.Detector.PixelsH)*cfg.Detector.PixelSizeH/8)
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithInputLimit(cfg.Pipeline.InputLimit),
		pipeline.WithLogger(s.Logger),
	}

	sink := pipeline.NewSink(s.consumer(cfg, runID, led), pipelineOpts...)

	launch := recon.Launcher(recon.LaunchConfig{
		Allocator:           device.NewHostAllocator(cfg.Devices.Count, cfg.Devices.MemoryBytes),
		Loader:              loader,
		ParallelProjections: cfg.Pipeline.ParallelProjections,
		Logger:              s.Logger,
		PipelineOptions:     pipelineOpts,
	})

	o, err := orchestrator.New[recon.Payload](
		device.Fixed(cfg.Devices.Count),
		task.NewQueue(tasks...),
		launch,
		sink,
		orchestrator.WithFailurePolicy(orchestrator.FailurePolicy(cfg.FailurePolicy)),
		orchestrator.WithLogger(s.Logger),
		orchestrator.WithRunID(runID),
	)
	if err != nil {
		return orchestrator.Summary{}, err
	}

	return o.Run(ctx)
}

// FormatElapsed renders d as minutes and zero padded seconds, e.g. 2:05.
func FormatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d/time.Minute), int(d%time.Minute/time.Second))
}
