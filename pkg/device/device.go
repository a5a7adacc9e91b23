//go:generate mockgen -source device.go -destination ../../internal/mocks/mock_device.go -package mocks

// Package device provides the device enumeration and memory allocation
// primitives the pipeline builds on. Every call names its device
// explicitly; there is no notion of a current device.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidDevice = errors.New("invalid device")
	ErrOutOfMemory   = errors.New("device out of memory")
)

// Enumerator reports how many devices can run a pipeline.
type Enumerator interface {
	Count(ctx context.Context) (int, error)
}

// Allocator hands out device memory as float32 slices.
type Allocator interface {
	Alloc(device, n int) ([]float32, error)
	Free(device int, buf []float32)
}

type fixed int

// Fixed returns an enumerator that always reports n devices.
func Fixed(n int) Enumerator {
	return fixed(n)
}

func (f fixed) Count(context.Context) (int, error) {
	if f < 0 {
		return 0, fmt.Errorf("%w: negative device count %d", ErrInvalidDevice, int(f))
	}
	return int(f), nil
}

// HostAllocator backs device memory with host slices and enforces a
// per-device byte budget.
type HostAllocator struct {
	budgets []*semaphore.Weighted
	mu      sync.Mutex
	inUse   []int64
}

var _ Allocator = (*HostAllocator)(nil)

// NewHostAllocator returns an allocator for the given number of devices.
// A budget of zero or less means unlimited.
func NewHostAllocator(devices int, budgetBytes int64) *HostAllocator {
	a := &HostAllocator{
		budgets: make([]*semaphore.Weighted, devices),
		inUse:   make([]int64, devices),
	}
	if budgetBytes > 0 {
		for i := range a.budgets {
			a.budgets[i] = semaphore.NewWeighted(budgetBytes)
		}
	}
	return a
}

func (a *HostAllocator) Alloc(device, n int) ([]float32, error) {
	if device < 0 || device >= len(a.inUse) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDevice, device)
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", n)
	}

	size := int64(n) * 4
	if sem := a.budgets[device]; sem != nil && !sem.TryAcquire(size) {
		return nil, fmt.Errorf("%w: device %d cannot fit %d bytes (%d in use)", ErrOutOfMemory, device, size, a.InUse(device))
	}

	a.mu.Lock()
	a.inUse[device] += size
	a.mu.Unlock()

	return make([]float32, n), nil
}

func (a *HostAllocator) Free(device int, buf []float32) {
	if device < 0 || device >= len(a.inUse) || len(buf) == 0 {
		return
	}

	size := int64(len(buf)) * 4
	a.mu.Lock()
	a.inUse[device] -= size
	a.mu.Unlock()

	if sem := a.budgets[device]; sem != nil {
		sem.Release(size)
	}
}

// InUse returns the number of bytes currently allocated on device.
func (a *HostAllocator) InUse(device int) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse[device]
}
