// Package geometry turns detector parameters into the immutable volume and
// subvolume descriptors carried by every reconstruction task.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidGeometry = errors.New("invalid geometry")

// Detector describes the flat panel and the source/detector placement.
// Offsets are given in pixels, distances and pixel sizes in millimetres and
// the angle step in degrees.
type Detector struct {
	PixelsH        int     `mapstructure:"pixelsH"`
	PixelsV        int     `mapstructure:"pixelsV"`
	PixelSizeH     float64 `mapstructure:"pixelSizeH"`
	PixelSizeV     float64 `mapstructure:"pixelSizeV"`
	OffsetH        float64 `mapstructure:"offsetH"`
	OffsetV        float64 `mapstructure:"offsetV"`
	DistSource     float64 `mapstructure:"distSource"`
	DistDetector   float64 `mapstructure:"distDetector"`
	NumProjections int     `mapstructure:"numProjections"`
	AngleStep      float64 `mapstructure:"angleStep"`
}

func (d Detector) Validate() error {
	switch {
	case d.PixelsH <= 0 || d.PixelsV <= 0:
		return fmt.Errorf("%w: detector must have at least one pixel in each direction", ErrInvalidGeometry)
	case d.PixelSizeH <= 0 || d.PixelSizeV <= 0:
		return fmt.Errorf("%w: detector pixel size must be positive", ErrInvalidGeometry)
	case d.DistSource <= 0 || d.DistDetector <= 0:
		return fmt.Errorf("%w: source and detector distances must be positive", ErrInvalidGeometry)
	case d.NumProjections <= 0:
		return fmt.Errorf("%w: at least one projection is required", ErrInvalidGeometry)
	}
	return nil
}

// DistSourceDetector is the distance between the source and the detector plane.
func (d Detector) DistSourceDetector() float64 {
	return math.Abs(d.DistSource) + math.Abs(d.DistDetector)
}

// Pixels is the number of pixels of one projection.
func (d Detector) Pixels() int {
	return d.PixelsH * d.PixelsV
}

// HMin is the horizontal coordinate of the first detector column.
func (d Detector) HMin() float64 {
	return d.OffsetH*d.PixelSizeH - float64(d.PixelsH)*d.PixelSizeH/2 + d.PixelSizeH/2
}

// VMin is the vertical coordinate of the first detector row.
func (d Detector) VMin() float64 {
	return d.OffsetV*d.PixelSizeV - float64(d.PixelsV)*d.PixelSizeV/2 + d.PixelSizeV/2
}

// Angle returns the gantry angle of projection i in radians.
func (d Detector) Angle(i int) float64 {
	return float64(i) * d.AngleStep * math.Pi / 180
}

type ROI struct {
	Enabled bool `mapstructure:"enabled"`
	X1      int  `mapstructure:"x1"`
	X2      int  `mapstructure:"x2"`
	Y1      int  `mapstructure:"y1"`
	Y2      int  `mapstructure:"y2"`
	Z1      int  `mapstructure:"z1"`
	Z2      int  `mapstructure:"z2"`
}

// Volume is the reconstructed voxel grid centred on the rotation axis.
type Volume struct {
	DimX       int
	DimY       int
	DimZ       int
	VoxelSizeX float64
	VoxelSizeY float64
	VoxelSizeZ float64
}

func (v Volume) Voxels() int {
	return v.DimX * v.DimY * v.DimZ
}

// Bytes is the size of the volume stored as float32 voxels.
func (v Volume) Bytes() int64 {
	return int64(v.Voxels()) * 4
}

// CalculateVolume derives the largest volume fully covered by the cone beam
// and crops it to roi when the region of interest is enabled.
func CalculateVolume(det Detector, roi ROI) (Volume, error) {
	if err := det.Validate(); err != nil {
		return Volume{}, err
	}

	mag := math.Abs(det.DistSource) / det.DistSourceDetector()

	hMin := det.HMin() - det.PixelSizeH/2
	hMax := hMin + float64(det.PixelsH)*det.PixelSizeH
	alpha := math.Atan(math.Max(math.Abs(hMin), math.Abs(hMax)) / det.DistSourceDetector())
	r := math.Abs(det.DistSource) * math.Sin(alpha)

	voxelXY := det.PixelSizeH * mag
	voxelZ := det.PixelSizeV * mag

	vol := Volume{
		DimX:       int(math.Floor(2 * r / voxelXY)),
		DimY:       int(math.Floor(2 * r / voxelXY)),
		DimZ:       det.PixelsV,
		VoxelSizeX: voxelXY,
		VoxelSizeY: voxelXY,
		VoxelSizeZ: voxelZ,
	}
	if vol.DimX < 1 || vol.DimY < 1 || vol.DimZ < 1 {
		return Volume{}, fmt.Errorf("%w: detector covers an empty volume", ErrInvalidGeometry)
	}

	if !roi.Enabled {
		return vol, nil
	}

	if err := checkRange("x", roi.X1, roi.X2, vol.DimX); err != nil {
		return Volume{}, err
	}
	if err := checkRange("y", roi.Y1, roi.Y2, vol.DimY); err != nil {
		return Volume{}, err
	}
	if err := checkRange("z", roi.Z1, roi.Z2, vol.DimZ); err != nil {
		return Volume{}, err
	}

	vol.DimX = roi.X2 - roi.X1
	vol.DimY = roi.Y2 - roi.Y1
	vol.DimZ = roi.Z2 - roi.Z1
	return vol, nil
}

func checkRange(axis string, lo, hi, dim int) error {
	if lo < 0 || hi > dim || lo >= hi {
		return fmt.Errorf("%w: roi %s range [%d, %d) outside of [0, %d)", ErrInvalidGeometry, axis, lo, hi, dim)
	}
	return nil
}
