// Package bufferpool recycles fixed-shape device buffers so the hot path of
// a pipeline never allocates once it has reached its working set.
package bufferpool

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/paris-tomo/paris/internal/build"
	"github.com/paris-tomo/paris/pkg/device"
	"github.com/paris-tomo/paris/pkg/logger"
)

var (
	ErrPoolClosed   = errors.New("buffer pool is closed")
	ErrInvalidShape = errors.New("invalid buffer shape")

	allocationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "bufferpool_allocations_total",
		Help:      "The total number of buffers allocated from a device.",
	}, []string{"device"})

	reuseCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "bufferpool_reuse_total",
		Help:      "The total number of acquisitions served from idle buffers.",
	}, []string{"device"})
)

// Shape is the shape class of a buffer. Two-dimensional buffers have a
// depth of one.
type Shape struct {
	Width  int
	Height int
	Depth  int
}

func (s Shape) Len() int {
	return s.Width * s.Height * max(s.Depth, 1)
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, max(s.Depth, 1))
}

// Stats describes one shape class of a pool.
type Stats struct {
	// Allocated is the number of buffers obtained from the allocator and not
	// yet freed. It is the high-water mark of concurrently live buffers.
	Allocated int
	Idle      int
	Live      int
	Hits      uint64
	Misses    uint64
}

type shapeClass struct {
	idle   []*Buffer
	hits   uint64
	misses uint64
	total  int
}

type PoolOption func(*Pool)

func WithLogger(l logger.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// Pool hands out buffers of one device. It is safe for concurrent use by
// the stages of a single pipeline.
type Pool struct {
	device int
	alloc  device.Allocator
	logger logger.Logger
	label  string

	mu      sync.Mutex
	classes map[Shape]*shapeClass
	closed  bool
}

func New(dev int, alloc device.Allocator, opts ...PoolOption) *Pool {
	p := &Pool{
		device:  dev,
		alloc:   alloc,
		logger:  logger.NewNoopLogger(),
		label:   strconv.Itoa(dev),
		classes: make(map[Shape]*shapeClass),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Device() int {
	return p.device
}

func (p *Pool) class(shape Shape) *shapeClass {
	c, ok := p.classes[shape]
	if !ok {
		c = &shapeClass{}
		p.classes[shape] = c
	}
	return c
}

// Acquire returns a zeroed buffer of the given shape, reusing an idle one
// when possible. Allocation failures wrap device.ErrOutOfMemory and are not
// retried.
func (p *Pool) Acquire(shape Shape) (*Buffer, error) {
	if shape.Width <= 0 || shape.Height <= 0 || shape.Depth < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidShape, shape)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	c := p.class(shape)
	if n := len(c.idle); n > 0 {
		b := c.idle[n-1]
		c.idle[n-1] = nil
		c.idle = c.idle[:n-1]
		c.hits++
		p.mu.Unlock()

		reuseCounter.WithLabelValues(p.label).Inc()
		clear(b.data)
		b.released.Store(false)
		return b, nil
	}
	c.misses++
	p.mu.Unlock()

	data, err := p.alloc.Alloc(p.device, shape.Len())
	if errors.Is(err, device.ErrOutOfMemory) && p.Trim() > 0 {
		data, err = p.alloc.Alloc(p.device, shape.Len())
	}
	if err != nil {
		if !errors.Is(err, device.ErrOutOfMemory) {
			err = fmt.Errorf("%w: %w", device.ErrOutOfMemory, err)
		}
		return nil, fmt.Errorf("acquire %s buffer on device %d: %w", shape, p.device, err)
	}
	allocationsCounter.WithLabelValues(p.label).Inc()

	p.mu.Lock()
	c.total++
	p.mu.Unlock()

	p.logger.Debug("allocated buffer",
		zap.Int("device", p.device),
		zap.Stringer("shape", shape))

	return &Buffer{pool: p, shape: shape, data: data}, nil
}

// Reserve makes sure at least n buffers of the given shape exist, so that
// the first n concurrent acquisitions do not hit the allocator.
func (p *Pool) Reserve(shape Shape, n int) error {
	p.mu.Lock()
	missing := n - p.class(shape).total
	p.mu.Unlock()

	reserved := make([]*Buffer, 0, max(missing, 0))
	defer func() {
		for _, b := range reserved {
			b.Release()
		}
	}()

	for range missing {
		b, err := p.Acquire(shape)
		if err != nil {
			return err
		}
		reserved = append(reserved, b)
	}
	return nil
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	if p.closed {
		p.class(b.shape).total--
		p.mu.Unlock()
		p.alloc.Free(p.device, b.data)
		return
	}

	c := p.class(b.shape)
	c.idle = append(c.idle, b)
	p.mu.Unlock()
}

func (p *Pool) Stats(shape Shape) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.classes[shape]
	if !ok {
		return Stats{}
	}
	return Stats{
		Allocated: c.total,
		Idle:      len(c.idle),
		Live:      c.total - len(c.idle),
		Hits:      c.hits,
		Misses:    c.misses,
	}
}

// Trim frees every idle buffer and returns how many were freed. Acquire
// trims before it gives up on an exhausted allocator.
func (p *Pool) Trim() int {
	p.mu.Lock()
	var idle []*Buffer
	for _, c := range p.classes {
		idle = append(idle, c.idle...)
		c.total -= len(c.idle)
		c.idle = nil
	}
	p.mu.Unlock()

	for _, b := range idle {
		p.alloc.Free(p.device, b.data)
	}
	if len(idle) > 0 {
		p.logger.Debug("trimmed idle buffers",
			zap.Int("device", p.device),
			zap.Int("freed", len(idle)))
	}
	return len(idle)
}

// Close frees every idle buffer. Buffers still in flight are freed when
// they are released. Acquire fails after Close.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.Trim()
}

// Buffer is a pooled block of device memory. It has exactly one owner at a
// time; the owner gives it back with Release.
type Buffer struct {
	pool     *Pool
	shape    Shape
	data     []float32
	released atomic.Bool
}

func (b *Buffer) Data() []float32 {
	return b.data
}

func (b *Buffer) Shape() Shape {
	return b.shape
}

func (b *Buffer) Device() int {
	return b.pool.device
}

// Release returns the buffer to its pool. Only the first call has an
// effect; the buffer must not be used afterwards.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	b.pool.put(b)
}
