package recon

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/paris-tomo/paris/internal/fsutil"
	"github.com/paris-tomo/paris/pkg/bufferpool"
	"github.com/paris-tomo/paris/pkg/pipeline"
)

// ProjectionLoader fills dst with the detector image stored at path.
type ProjectionLoader interface {
	Load(ctx context.Context, path string, dst []float32) error
}

type LoaderFunc func(ctx context.Context, path string, dst []float32) error

func (f LoaderFunc) Load(ctx context.Context, path string, dst []float32) error {
	return f(ctx, path, dst)
}

// RawLoader reads headerless little-endian float32 images.
type RawLoader struct {
	FS fsutil.FileSystem
}

func (l RawLoader) Load(_ context.Context, path string, dst []float32) error {
	data, err := l.FS.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) != len(dst)*4 {
		return fmt.Errorf("projection %s has %d bytes, want %d", path, len(data), len(dst)*4)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, dst)
}

// PreloaderStage reads every projection into a pooled detector-sized buffer.
type PreloaderStage struct {
	pipeline.Base[Payload]
	pool     *bufferpool.Pool
	loader   ProjectionLoader
	parallel int
}

func NewPreloaderStage(pool *bufferpool.Pool, loader ProjectionLoader, parallelProjections int) func(device int) (*PreloaderStage, error) {
	return func(device int) (*PreloaderStage, error) {
		if pool == nil || pool.Device() != device {
			return nil, fmt.Errorf("preloader needs a buffer pool of device %d", device)
		}
		if loader == nil {
			return nil, fmt.Errorf("preloader needs a projection loader")
		}
		return &PreloaderStage{
			Base:     pipeline.NewBase[Payload](device),
			pool:     pool,
			loader:   loader,
			parallel: max(parallelProjections, 1),
		}, nil
	}
}

func (s *PreloaderStage) Name() string { return "preloader" }

// Run reserves the buffers of the projections in flight before loading,
// so the first images of a task do not wait on the allocator.
func (s *PreloaderStage) Run(ctx context.Context) error {
	shape := detectorShape(s.Task().Detector)
	if err := s.pool.Reserve(shape, s.parallel); err != nil {
		return err
	}

	return pipeline.Forward(ctx, &s.Base, func(ctx context.Context, p Payload) (Payload, error) {
		proj, err := asProjection(p)
		if err != nil {
			return nil, err
		}

		buf, err := s.pool.Acquire(shape)
		if err != nil {
			return nil, err
		}
		if err := s.loader.Load(ctx, proj.Path, buf.Data()); err != nil {
			buf.Release()
			return nil, fmt.Errorf("load projection %d: %w", proj.Index, err)
		}

		proj.Buffer = buf
		return proj, nil
	})
}
