package recon

import (
	"context"

	"github.com/paris-tomo/paris/pkg/bufferpool"
	"github.com/paris-tomo/paris/pkg/device"
	"github.com/paris-tomo/paris/pkg/logger"
	"github.com/paris-tomo/paris/pkg/pipeline"
)

// DefaultParallelProjections is the number of projections in flight in one
// pipeline at the same time.
const DefaultParallelProjections = 5

// ProjectionsInFlight bounds the detector buffers one pipeline holds at
// once: one inside each stage from preloader to reconstruction plus the
// contents of the three queues between them.
func ProjectionsInFlight(inputLimit, parallelProjections int) int {
	return max(parallelProjections, 4+3*inputLimit)
}

// VolumesInFlight bounds the subvolume buffers of one device: the one being
// reconstructed, those queued at the sink and the one the sink consumes.
func VolumesInFlight(inputLimit int) int {
	return inputLimit + 2
}

type ChainConfig struct {
	Pool                *bufferpool.Pool
	Loader              ProjectionLoader
	ParallelProjections int
}

// Chain makes and connects source, preloader, weighting, filter and
// reconstruction on pl and returns them in order.
func Chain(pl *pipeline.Pipeline[Payload], cfg ChainConfig) ([]pipeline.Stage[Payload], error) {
	source, err := pipeline.MakeStage(pl, NewSourceStage)
	if err != nil {
		return nil, err
	}
	preloader, err := pipeline.MakeStage(pl, NewPreloaderStage(cfg.Pool, cfg.Loader, cfg.ParallelProjections))
	if err != nil {
		return nil, err
	}
	weighting, err := pipeline.MakeStage(pl, NewWeightingStage)
	if err != nil {
		return nil, err
	}
	filter, err := pipeline.MakeStage(pl, NewFilterStage)
	if err != nil {
		return nil, err
	}
	reconstruction, err := pipeline.MakeStage(pl, NewReconstructionStage(cfg.Pool))
	if err != nil {
		return nil, err
	}

	stages := []pipeline.Stage[Payload]{source, preloader, weighting, filter, reconstruction}
	if err := pl.Connect(stages...); err != nil {
		return nil, err
	}
	return stages, nil
}

// LaunchConfig describes the pipeline built for every device by Launcher.
type LaunchConfig struct {
	Allocator           device.Allocator
	Loader              ProjectionLoader
	ParallelProjections int
	Logger              logger.Logger
	PipelineOptions     []pipeline.Option

	// OnTaskEnd, if set, is called with the device id each time a task's
	// end of stream leaves the last stage of that device.
	OnTaskEnd func(device int)
}

// Launcher returns a function that builds a reconstruction pipeline on one
// device, runs it until queue is drained and reports how many tasks it
// completed. Volumes go to producer.
func Launcher(cfg LaunchConfig) func(context.Context, int, pipeline.TaskSource, *pipeline.Producer[Payload]) (int, error) {
	return func(ctx context.Context, dev int, queue pipeline.TaskSource, producer *pipeline.Producer[Payload]) (int, error) {
		var poolOpts []bufferpool.PoolOption
		if cfg.Logger != nil {
			poolOpts = append(poolOpts, bufferpool.WithLogger(cfg.Logger))
		}
		pool := bufferpool.New(dev, cfg.Allocator, poolOpts...)
		defer pool.Close()

		pl, err := pipeline.New[Payload](queue, dev, cfg.PipelineOptions...)
		if err != nil {
			return 0, err
		}

		stages, err := Chain(pl, ChainConfig{
			Pool:                pool,
			Loader:              cfg.Loader,
			ParallelProjections: cfg.ParallelProjections,
		})
		if err != nil {
			return 0, err
		}
		var onEnd func()
		if cfg.OnTaskEnd != nil {
			onEnd = func() { cfg.OnTaskEnd(dev) }
		}
		pl.SetTerminal(producer.Terminal(onEnd))

		if err := pl.Run(ctx, stages...); err != nil {
			return 0, err
		}
		err = pl.Wait()
		return pl.Processed(), err
	}
}
