package recon

import (
	"context"
	"fmt"
	"math"

	"github.com/paris-tomo/paris/pkg/geometry"
)

// CylinderLoader returns a loader that ignores the projection path and
// produces the line integrals of a homogeneous cylinder of the given radius
// (in mm) standing on the rotation axis. Every angle sees the same image.
func CylinderLoader(det geometry.Detector, radius float64) ProjectionLoader {
	magnification := det.DistSourceDetector() / math.Abs(det.DistSource)
	hMin := det.HMin()

	row := make([]float32, det.PixelsH)
	for col := range row {
		u := (hMin + float64(col)*det.PixelSizeH) / magnification
		if a := radius*radius - u*u; a > 0 {
			row[col] = float32(2 * math.Sqrt(a))
		}
	}

	return LoaderFunc(func(_ context.Context, _ string, dst []float32) error {
		if len(dst) != det.Pixels() {
			return fmt.Errorf("phantom projection has %d pixels, buffer has %d", det.Pixels(), len(dst))
		}
		for r := range det.PixelsV {
			copy(dst[r*det.PixelsH:(r+1)*det.PixelsH], row)
		}
		return nil
	})
}
