package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/paris-tomo/paris/internal/build"
	"github.com/paris-tomo/paris/internal/concurrency"
	"github.com/paris-tomo/paris/internal/pipe"
	"github.com/paris-tomo/paris/pkg/device"
	"github.com/paris-tomo/paris/pkg/logger"
	"github.com/paris-tomo/paris/pkg/task"
	"github.com/paris-tomo/paris/pkg/telemetry"
)

var (
	pipelineTracer = otel.Tracer("pipeline")

	tasksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "pipeline_tasks_total",
		Help:      "The total number of tasks finished by device pipelines.",
	}, []string{"device", "outcome"})

	stageDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "pipeline_stage_duration_seconds",
		Help:                            "The time a stage spent on one task.",
		Buckets:                         prometheus.ExponentialBuckets(0.001, 4, 10),
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"stage"})
)

// attempt holds the pipes of one run of every stage over one task.
type attempt[T any] struct {
	pipes   []*pipe.Pipe[Item[T]]
	aborted atomic.Bool
	once    sync.Once
}

// abort closes every pipe so blocked stages wake up and fail.
func (a *attempt[T]) abort() {
	a.once.Do(func() {
		a.aborted.Store(true)
		for _, p := range a.pipes {
			p.Close()
		}
	})
}

func (a *attempt[T]) recv(i int) (Item[T], bool) {
	var it Item[T]
	if a.aborted.Load() {
		return it, false
	}
	if !a.pipes[i].Recv(&it) {
		return it, false
	}
	if a.aborted.Load() {
		drop(it)
		var zero Item[T]
		return zero, false
	}
	return it, true
}

func (a *attempt[T]) send(i int, it Item[T]) bool {
	if a.aborted.Load() {
		return false
	}
	return a.pipes[i].Send(it)
}

// TaskSource hands out tasks. Pop returns false once no task is left.
type TaskSource interface {
	Pop() (task.Task, bool)
}

// Pipeline is a chain of stages bound to one device.
type Pipeline[T any] struct {
	queue  TaskSource
	device int
	config Config
	logger logger.Logger

	stages    []Stage[T]
	names     []string
	connected bool
	terminal  func(Item[T]) bool

	current *attempt[T]

	started   bool
	done      chan struct{}
	err       error
	processed atomic.Int64
}

// New returns a pipeline for device that pulls its tasks from queue.
func New[T any](queue TaskSource, device int, opts ...Option) (*Pipeline[T], error) {
	if device < 0 {
		return nil, &ConstructionError{Device: device, Op: "new pipeline", Err: errors.New("device id must not be negative")}
	}
	if queue == nil {
		return nil, &ConstructionError{Device: device, Op: "new pipeline", Err: errors.New("task queue is nil")}
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if err := config.Validate(); err != nil {
		return nil, &ConstructionError{Device: device, Op: "new pipeline", Err: err}
	}

	return &Pipeline[T]{
		queue:    queue,
		device:   device,
		config:   config,
		logger:   config.Logger.With(zap.Int("device", device)),
		terminal: discard[T],
		done:     make(chan struct{}),
	}, nil
}

func discard[T any](it Item[T]) bool {
	drop(it)
	return true
}

func (pl *Pipeline[T]) Device() int {
	return pl.device
}

// MakeStage constructs a stage for the pipeline's device and appends it to
// the declared stage order.
func MakeStage[T any, S Stage[T]](pl *Pipeline[T], ctor func(device int) (S, error)) (S, error) {
	var zero S
	if pl.connected {
		return zero, &ConstructionError{Device: pl.device, Op: "make stage", Err: errAlreadyConnected}
	}

	s, err := ctor(pl.device)
	if err != nil {
		return zero, &ConstructionError{Device: pl.device, Op: "make stage", Err: err}
	}

	pl.stages = append(pl.stages, s)
	pl.names = append(pl.names, stageName(s))
	return s, nil
}

// SetTerminal sets where the last stage's output goes. The default drops
// every item. fn must return false only if the item was not taken.
func (pl *Pipeline[T]) SetTerminal(fn func(Item[T]) bool) {
	pl.terminal = fn
}

func (pl *Pipeline[T]) checkOrder(stages []Stage[T]) error {
	if len(pl.stages) == 0 {
		return errNoStages
	}
	if len(stages) != len(pl.stages) {
		return errStageOrder
	}
	for i, s := range stages {
		if s != pl.stages[i] {
			return errStageOrder
		}
	}
	return nil
}

// Connect wires every adjacent pair of stages. It must be called exactly
// once, with all stages in the order they were made.
func (pl *Pipeline[T]) Connect(stages ...Stage[T]) error {
	if pl.connected {
		return &ConstructionError{Device: pl.device, Op: "connect", Err: errAlreadyConnected}
	}
	if err := pl.checkOrder(stages); err != nil {
		return &ConstructionError{Device: pl.device, Op: "connect", Err: err}
	}

	last := len(pl.stages) - 1
	for i, s := range pl.stages {
		if i > 0 {
			in := i - 1
			s.SetInputFunction(func() (Item[T], bool) {
				return pl.current.recv(in)
			})
		}

		if i < last {
			out := i
			s.SetOutputFunction(func(it Item[T]) bool {
				return pl.current.send(out, it)
			})
		} else {
			s.SetOutputFunction(func(it Item[T]) bool {
				if pl.current.aborted.Load() {
					return false
				}
				return pl.terminal(it)
			})
		}
	}

	pl.connected = true
	return nil
}

// Run starts processing tasks in the background. The stages must be the
// connected ones in the same order. Use Wait to join.
func (pl *Pipeline[T]) Run(ctx context.Context, stages ...Stage[T]) error {
	if !pl.connected {
		return &ConstructionError{Device: pl.device, Op: "run", Err: errNotConnected}
	}
	if pl.started {
		return &ConstructionError{Device: pl.device, Op: "run", Err: errAlreadyRunning}
	}
	if err := pl.checkOrder(stages); err != nil {
		return &ConstructionError{Device: pl.device, Op: "run", Err: err}
	}

	pl.started = true
	go func() {
		defer close(pl.done)
		pl.err = pl.loop(ctx)
	}()
	return nil
}

// Wait blocks until the pipeline stops and returns the first task failure.
func (pl *Pipeline[T]) Wait() error {
	if !pl.started {
		return &ConstructionError{Device: pl.device, Op: "wait", Err: errNotRunning}
	}
	<-pl.done
	return pl.err
}

// Processed returns the number of tasks this pipeline completed.
func (pl *Pipeline[T]) Processed() int {
	return int(pl.processed.Load())
}

func (pl *Pipeline[T]) loop(ctx context.Context) error {
	label := strconv.Itoa(pl.device)

	for {
		if ctx.Err() != nil {
			pl.logger.Info("pipeline stopped at task boundary", zap.Error(ctx.Err()))
			return &RuntimeError{
				Device: pl.device,
				Stage:  "pipeline",
				TaskID: -1,
				Err:    fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx)),
			}
		}

		t, ok := pl.queue.Pop()
		if !ok {
			pl.logger.Debug("task queue drained", zap.Int("processed", pl.Processed()))
			return nil
		}

		if err := pl.process(ctx, t); err != nil {
			tasksCounter.WithLabelValues(label, "failed").Inc()
			pl.logger.Error("task failed", zap.Int("task", t.ID), zap.Error(err))
			return err
		}

		tasksCounter.WithLabelValues(label, "succeeded").Inc()
		pl.processed.Add(1)
	}
}

func (pl *Pipeline[T]) process(ctx context.Context, t task.Task) error {
	attempt := func() error {
		err := pl.runTask(ctx, t)
		if err != nil && (ctx.Err() != nil || permanent(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		pl.logger.Warn("retrying task",
			zap.Int("task", t.ID),
			zap.Duration("after", next),
			zap.Error(err))
	}

	return backoff.RetryNotify(attempt, pl.config.RetryPolicy.BackOff(), notify)
}

// runTask runs every stage once on t. Any stage failure closes all pipes
// of the attempt, which unblocks the remaining stages.
func (pl *Pipeline[T]) runTask(ctx context.Context, t task.Task) error {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.task", trace.WithAttributes(
		attribute.Int("device", pl.device),
		attribute.Int("task", t.ID),
	))
	defer span.End()

	a := &attempt[T]{pipes: make([]*pipe.Pipe[Item[T]], len(pl.stages)-1)}
	for i := range a.pipes {
		a.pipes[i] = pipe.Must[Item[T]](pl.config.InputLimit)
	}
	pl.current = a

	for _, s := range pl.stages {
		s.AssignTask(t)
	}

	errs := make([]error, len(pl.stages))
	done := make([]chan struct{}, len(pl.stages))
	for i, s := range pl.stages {
		done[i] = make(chan struct{})
		go func() {
			defer close(done[i])
			if err := pl.runStage(ctx, pl.names[i], s); err != nil {
				errs[i] = err
				a.abort()
			}
		}()
	}

	for _, d := range done {
		<-d
	}

	for _, p := range a.pipes {
		p.Close()
		drain(p)
	}

	idx, err := firstFailure(errs)
	if err == nil {
		return nil
	}

	rerr := &RuntimeError{Device: pl.device, Stage: pl.names[idx], TaskID: t.ID, Err: err}
	telemetry.TraceError(span, rerr)
	return rerr
}

func (pl *Pipeline[T]) runStage(ctx context.Context, name string, s Stage[T]) error {
	ctx, span := pipelineTracer.Start(ctx, "stage."+name)
	defer span.End()

	start := time.Now()
	defer func() {
		stageDurationHistogram.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	err := concurrency.Try(func() error {
		return s.Run(ctx)
	})
	if err != nil && !errors.Is(err, ErrAborted) {
		telemetry.TraceError(span, err)
	}
	return err
}

// permanent reports failures that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrConstruction) || errors.Is(err, device.ErrOutOfMemory)
}

// firstFailure prefers the root cause over stages that were only aborted.
func firstFailure(errs []error) (int, error) {
	idx := -1
	for i, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrAborted) {
			return i, err
		}
		if idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return 0, nil
	}
	return idx, errs[idx]
}

// drain releases whatever is left in a closed pipe.
func drain[T any](p *pipe.Pipe[Item[T]]) {
	var it Item[T]
	for p.Recv(&it) {
		drop(it)
	}
}
