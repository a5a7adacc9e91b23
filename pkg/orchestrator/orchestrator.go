// Package orchestrator runs one pipeline per device over a shared task queue
// and a shared sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/paris-tomo/paris/internal/build"
	"github.com/paris-tomo/paris/internal/concurrency"
	"github.com/paris-tomo/paris/pkg/device"
	"github.com/paris-tomo/paris/pkg/id"
	"github.com/paris-tomo/paris/pkg/logger"
	"github.com/paris-tomo/paris/pkg/pipeline"
	"github.com/paris-tomo/paris/pkg/telemetry"
)

var tracer = otel.Tracer("paris/pkg/orchestrator")

var (
	runsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "orchestrator_runs_total",
		Help:      "The total number of orchestrated runs by outcome.",
	}, []string{"outcome"})

	devicesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "orchestrator_devices",
		Help:      "The number of devices used by the current run.",
	})
)

// FailurePolicy decides what happens to sibling pipelines when one fails.
type FailurePolicy string

const (
	// FailurePolicyAbort cancels the shared context on the first failure so
	// every other pipeline stops at its next task boundary.
	FailurePolicyAbort FailurePolicy = "abort"
	// FailurePolicyIsolate lets the other pipelines keep draining the queue.
	FailurePolicyIsolate FailurePolicy = "isolate"
)

var ErrInvalidFailurePolicy = errors.New("invalid failure policy")

// LaunchFunc builds and runs the pipeline of one device until the queue is
// drained and returns the number of tasks it completed. Items meant for the
// sink go to producer, which the orchestrator closes once LaunchFunc returns.
type LaunchFunc[T any] func(ctx context.Context, device int, queue pipeline.TaskSource, producer *pipeline.Producer[T]) (int, error)

// SinkRunner is the consumer shared by every device.
type SinkRunner[T any] interface {
	Attach() *pipeline.Producer[T]
	Run(ctx context.Context) error
}

type Config struct {
	FailurePolicy FailurePolicy
	Logger        logger.Logger
	RunID         id.RunID
}

type Option func(*Config)

func WithFailurePolicy(p FailurePolicy) Option {
	return func(c *Config) {
		c.FailurePolicy = p
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithRunID fixes the id reported in the summary instead of generating one.
func WithRunID(r id.RunID) Option {
	return func(c *Config) {
		c.RunID = r
	}
}

func DefaultConfig() Config {
	return Config{
		FailurePolicy: FailurePolicyAbort,
		Logger:        logger.NewNoopLogger(),
	}
}

func (c *Config) Validate() error {
	switch c.FailurePolicy {
	case FailurePolicyAbort, FailurePolicyIsolate:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFailurePolicy, c.FailurePolicy)
	}
	if c.Logger == nil {
		return errors.New("logger is nil")
	}
	return nil
}

// Summary describes a finished run. Processed holds the number of tasks
// completed by each device, indexed by device id.
type Summary struct {
	RunID     id.RunID
	Devices   int
	Processed []int
	Elapsed   time.Duration
}

// Total returns the number of tasks completed by all devices.
func (s Summary) Total() int {
	var n int
	for _, p := range s.Processed {
		n += p
	}
	return n
}

type Orchestrator[T any] struct {
	config Config
	enum   device.Enumerator
	queue  pipeline.TaskSource
	launch LaunchFunc[T]
	sink   SinkRunner[T]
}

// New returns an orchestrator that runs launch on every device reported by
// enum. Each run of launch pulls from queue and feeds sink.
func New[T any](enum device.Enumerator, queue pipeline.TaskSource, launch LaunchFunc[T], sink SinkRunner[T], opts ...Option) (*Orchestrator[T], error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if err := config.Validate(); err != nil {
		return nil, &pipeline.ConstructionError{Device: -1, Op: "new orchestrator", Err: err}
	}

	switch {
	case enum == nil:
		return nil, &pipeline.ConstructionError{Device: -1, Op: "new orchestrator", Err: errors.New("device enumerator is nil")}
	case queue == nil:
		return nil, &pipeline.ConstructionError{Device: -1, Op: "new orchestrator", Err: errors.New("task queue is nil")}
	case launch == nil:
		return nil, &pipeline.ConstructionError{Device: -1, Op: "new orchestrator", Err: errors.New("launch function is nil")}
	case sink == nil:
		return nil, &pipeline.ConstructionError{Device: -1, Op: "new orchestrator", Err: errors.New("sink is nil")}
	}

	if config.RunID.IsZero() {
		r, err := id.NewRunID()
		if err != nil {
			return nil, &pipeline.ConstructionError{Device: -1, Op: "new orchestrator", Err: err}
		}
		config.RunID = r
	}

	return &Orchestrator[T]{
		config: config,
		enum:   enum,
		queue:  queue,
		launch: launch,
		sink:   sink,
	}, nil
}

// Run starts one pipeline per device and the shared sink and blocks until
// all of them have returned. Without devices it returns at once. The first
// failure is returned together with the summary of what did complete.
func (o *Orchestrator[T]) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.Run")
	defer span.End()

	summary := Summary{RunID: o.config.RunID}
	log := o.config.Logger.With(zap.String("run_id", summary.RunID.String()))

	devices, err := o.enum.Count(ctx)
	if err == nil && devices < 0 {
		err = fmt.Errorf("%w: negative device count %d", device.ErrInvalidDevice, devices)
	}
	if err != nil {
		err = &pipeline.ConstructionError{Device: -1, Op: "enumerate devices", Err: err}
		telemetry.TraceError(span, err)
		runsCounter.WithLabelValues("failed").Inc()
		return summary, err
	}

	span.SetAttributes(attribute.Int("devices", devices))
	summary.Devices = devices
	summary.Processed = make([]int, devices)
	devicesGauge.Set(float64(devices))

	if devices == 0 {
		log.Warn("no devices available, nothing to do")
		runsCounter.WithLabelValues("empty").Inc()
		return summary, nil
	}

	producers := make([]*pipeline.Producer[T], devices)
	for d := range producers {
		producers[d] = o.sink.Attach()
	}

	sinkDone := make(chan error, 1)
	go func() {
		sinkDone <- o.sink.Run(ctx)
	}()

	var pool interface {
		Go(func(context.Context) error)
		Wait() error
	}
	if o.config.FailurePolicy == FailurePolicyIsolate {
		pool = concurrency.NewIsolatedPool(ctx, devices)
	} else {
		pool = concurrency.NewPool(ctx, devices)
	}

	log.Info("starting device pipelines",
		zap.Int("devices", devices),
		zap.String("failure_policy", string(o.config.FailurePolicy)))

	for d := range devices {
		pool.Go(func(ctx context.Context) error {
			defer producers[d].Close()

			return concurrency.Try(func() error {
				processed, err := o.launch(ctx, d, o.queue, producers[d])
				summary.Processed[d] = processed
				if err != nil {
					log.Error("device pipeline failed", zap.Int("device", d), zap.Int("processed", processed), zap.Error(err))
					return err
				}
				log.Debug("device pipeline finished", zap.Int("device", d), zap.Int("processed", processed))
				return nil
			})
		})
	}

	pipelineErr := pool.Wait()
	sinkErr := <-sinkDone

	summary.Elapsed = time.Since(start)

	err = pipelineErr
	if err == nil {
		err = sinkErr
	}
	if err == nil && ctx.Err() != nil {
		err = &pipeline.RuntimeError{
			Device: -1,
			Stage:  "orchestrator",
			TaskID: -1,
			Err:    fmt.Errorf("%w: %w", pipeline.ErrInterrupted, context.Cause(ctx)),
		}
	}
	if err != nil {
		telemetry.TraceError(span, err)
		outcome := "failed"
		if errors.Is(err, pipeline.ErrInterrupted) {
			outcome = "interrupted"
		}
		runsCounter.WithLabelValues(outcome).Inc()
		return summary, err
	}

	runsCounter.WithLabelValues("succeeded").Inc()
	log.Info("all device pipelines finished",
		zap.Int("tasks", summary.Total()),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}
