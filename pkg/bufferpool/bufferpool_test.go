package bufferpool_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/paris-tomo/paris/internal/mocks"
	"github.com/paris-tomo/paris/pkg/bufferpool"
	"github.com/paris-tomo/paris/pkg/device"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var projectionShape = bufferpool.Shape{Width: 8, Height: 4, Depth: 1}

func TestAcquireReusesReleasedBuffers(t *testing.T) {
	p := bufferpool.New(0, device.NewHostAllocator(1, 0))
	t.Cleanup(p.Close)

	b, err := p.Acquire(projectionShape)
	require.NoError(t, err)
	require.Len(t, b.Data(), 32)
	require.Equal(t, 0, b.Device())
	b.Data()[3] = 7

	b.Release()
	// a second release must not hand the buffer out twice
	b.Release()

	first, err := p.Acquire(projectionShape)
	require.NoError(t, err)
	second, err := p.Acquire(projectionShape)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Zero(t, first.Data()[3])

	require.Equal(t, bufferpool.Stats{Allocated: 2, Idle: 0, Live: 2, Hits: 1, Misses: 2}, p.Stats(projectionShape))

	first.Release()
	second.Release()
	require.Equal(t, bufferpool.Stats{Allocated: 2, Idle: 2, Live: 0, Hits: 1, Misses: 2}, p.Stats(projectionShape))
}

func TestShapesDoNotMix(t *testing.T) {
	p := bufferpool.New(0, device.NewHostAllocator(1, 0))
	t.Cleanup(p.Close)

	volumeShape := bufferpool.Shape{Width: 4, Height: 4, Depth: 2}

	b, err := p.Acquire(projectionShape)
	require.NoError(t, err)
	b.Release()

	v, err := p.Acquire(volumeShape)
	require.NoError(t, err)
	require.Equal(t, volumeShape, v.Shape())
	require.Equal(t, uint64(0), p.Stats(volumeShape).Hits)
	require.Equal(t, 1, p.Stats(projectionShape).Idle)
	v.Release()
}

func TestPoolBoundedness(t *testing.T) {
	const (
		concurrency = 4
		rounds      = 500
	)

	alloc := device.NewHostAllocator(1, 0)
	p := bufferpool.New(0, alloc)

	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				b, err := p.Acquire(projectionShape)
				if err != nil {
					t.Error(err)
					return
				}
				b.Data()[0]++
				b.Release()
			}
		}()
	}
	wg.Wait()

	stats := p.Stats(projectionShape)
	require.LessOrEqual(t, stats.Allocated, concurrency)
	require.Equal(t, uint64(concurrency*rounds), stats.Hits+stats.Misses)
	require.Equal(t, uint64(stats.Allocated), stats.Misses)

	p.Close()
	require.Zero(t, alloc.InUse(0))
}

func TestReserve(t *testing.T) {
	p := bufferpool.New(1, device.NewHostAllocator(2, 0))
	t.Cleanup(p.Close)

	require.NoError(t, p.Reserve(projectionShape, 5))
	require.Equal(t, bufferpool.Stats{Allocated: 5, Idle: 5, Misses: 5}, p.Stats(projectionShape))

	// already satisfied
	require.NoError(t, p.Reserve(projectionShape, 3))
	require.Equal(t, 5, p.Stats(projectionShape).Allocated)
}

func TestAcquireOutOfMemory(t *testing.T) {
	t.Run("budget", func(t *testing.T) {
		p := bufferpool.New(0, device.NewHostAllocator(1, int64(projectionShape.Len()*4)))
		t.Cleanup(p.Close)

		b, err := p.Acquire(projectionShape)
		require.NoError(t, err)
		defer b.Release()

		_, err = p.Acquire(projectionShape)
		require.ErrorIs(t, err, device.ErrOutOfMemory)
	})

	t.Run("trims_idle_buffers_of_other_shapes", func(t *testing.T) {
		alloc := device.NewHostAllocator(1, int64(projectionShape.Len()*4))
		p := bufferpool.New(0, alloc)
		t.Cleanup(p.Close)

		b, err := p.Acquire(projectionShape)
		require.NoError(t, err)
		b.Release()
		require.Equal(t, 1, p.Stats(projectionShape).Idle)

		transposed := bufferpool.Shape{Width: projectionShape.Height, Height: projectionShape.Width, Depth: 1}
		b, err = p.Acquire(transposed)
		require.NoError(t, err)
		require.Zero(t, p.Stats(projectionShape).Allocated)
		require.Equal(t, int64(projectionShape.Len()*4), alloc.InUse(0))
		b.Release()
	})

	t.Run("allocator_error_is_wrapped", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		alloc := mocks.NewMockAllocator(ctrl)
		alloc.EXPECT().Alloc(3, projectionShape.Len()).Return(nil, errors.New("driver fault"))

		p := bufferpool.New(3, alloc)
		_, err := p.Acquire(projectionShape)
		require.ErrorIs(t, err, device.ErrOutOfMemory)
		require.ErrorContains(t, err, "driver fault")
		p.Close()
	})
}

func TestClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	alloc := mocks.NewMockAllocator(ctrl)
	alloc.EXPECT().Alloc(0, projectionShape.Len()).Return(make([]float32, projectionShape.Len()), nil).Times(2)
	alloc.EXPECT().Free(0, gomock.Any()).Times(2)

	p := bufferpool.New(0, alloc)
	idle, err := p.Acquire(projectionShape)
	require.NoError(t, err)
	live, err := p.Acquire(projectionShape)
	require.NoError(t, err)
	idle.Release()

	p.Close()
	p.Close()
	require.Equal(t, bufferpool.Stats{Allocated: 1, Live: 1, Misses: 2}, p.Stats(projectionShape))

	_, err = p.Acquire(projectionShape)
	require.ErrorIs(t, err, bufferpool.ErrPoolClosed)

	// in-flight buffers go straight back to the allocator
	live.Release()
	require.Zero(t, p.Stats(projectionShape).Allocated)
}

func TestInvalidShape(t *testing.T) {
	p := bufferpool.New(0, device.NewHostAllocator(1, 0))
	t.Cleanup(p.Close)

	_, err := p.Acquire(bufferpool.Shape{Width: 0, Height: 3})
	require.ErrorIs(t, err, bufferpool.ErrInvalidShape)
}
