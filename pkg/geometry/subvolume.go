package geometry

import (
	"errors"
	"fmt"
)

var ErrBudgetExceeded = errors.New("volume does not fit the device memory budget")

// Subvolumes describes how the volume is split along z so that one slab
// plus the projections in flight fit on a single device.
type Subvolumes struct {
	Count int
	// Slices is the slab height of every subvolume but possibly the last.
	Slices int
	Volume Volume
}

// Subvolume is one slab of the full volume.
type Subvolume struct {
	Index      int
	Count      int
	FirstSlice int
	LastSlice  int
	Geometry   Volume
}

// CreateSubvolumes halves the slab height until one slab and
// parallelProjections detector-sized buffers fit into budgetBytes.
// A budget of zero or less means unlimited.
func CreateSubvolumes(vol Volume, det Detector, parallelProjections int, budgetBytes int64) (Subvolumes, error) {
	if vol.Voxels() <= 0 {
		return Subvolumes{}, fmt.Errorf("%w: empty volume", ErrInvalidGeometry)
	}
	if parallelProjections < 1 {
		return Subvolumes{}, fmt.Errorf("%w: parallel projections must be at least one", ErrInvalidGeometry)
	}

	projBytes := int64(parallelProjections) * int64(det.Pixels()) * 4
	sliceBytes := int64(vol.DimX) * int64(vol.DimY) * 4

	count := 1
	for {
		slices := ceilDiv(vol.DimZ, count)
		if budgetBytes <= 0 || int64(slices)*sliceBytes+projBytes <= budgetBytes {
			return Subvolumes{
				Count:  ceilDiv(vol.DimZ, slices),
				Slices: slices,
				Volume: vol,
			}, nil
		}
		if slices == 1 {
			return Subvolumes{}, fmt.Errorf("%w: need %d bytes for a single slice, have %d",
				ErrBudgetExceeded, sliceBytes+projBytes, budgetBytes)
		}
		count *= 2
	}
}

// At returns subvolume i. It panics when i is out of range.
func (s Subvolumes) At(i int) Subvolume {
	if i < 0 || i >= s.Count {
		panic(fmt.Sprintf("subvolume index %d out of range [0, %d)", i, s.Count))
	}

	first := i * s.Slices
	last := min(first+s.Slices, s.Volume.DimZ) - 1

	g := s.Volume
	g.DimZ = last - first + 1
	return Subvolume{
		Index:      i,
		Count:      s.Count,
		FirstSlice: first,
		LastSlice:  last,
		Geometry:   g,
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
