package recon

import (
	"context"
	"fmt"
	"math"

	"github.com/paris-tomo/paris/pkg/bufferpool"
	"github.com/paris-tomo/paris/pkg/geometry"
	"github.com/paris-tomo/paris/pkg/pipeline"
)

// ReconstructionStage back-projects every filtered projection into the
// subvolume of the task. The volume leaves the stage once the stream ends,
// right before the end of stream itself.
type ReconstructionStage struct {
	pipeline.Base[Payload]
	pool *bufferpool.Pool
}

func NewReconstructionStage(pool *bufferpool.Pool) func(device int) (*ReconstructionStage, error) {
	return func(device int) (*ReconstructionStage, error) {
		if pool == nil || pool.Device() != device {
			return nil, fmt.Errorf("reconstruction needs a buffer pool of device %d", device)
		}
		return &ReconstructionStage{
			Base: pipeline.NewBase[Payload](device),
			pool: pool,
		}, nil
	}
}

func (s *ReconstructionStage) Name() string { return "reconstruction" }

func (s *ReconstructionStage) Run(ctx context.Context) error {
	t := s.Task()
	projShape := detectorShape(t.Detector)

	var vol *Volume
	acquire := func() error {
		if vol != nil {
			return nil
		}
		buf, err := s.pool.Acquire(volumeShape(t.Subvolume.Geometry))
		if err != nil {
			return err
		}
		vol = &Volume{TaskID: t.ID, Subvolume: t.Subvolume, Output: t.Output, Buffer: buf}
		return nil
	}
	fail := func(err error) error {
		if vol != nil {
			vol.Release()
		}
		return err
	}

	for {
		it, ok := s.Input()
		if !ok {
			return fail(pipeline.ErrAborted)
		}

		p, ok := it.Value()
		if !ok {
			if err := acquire(); err != nil {
				return err
			}
			if !s.Output(pipeline.Data[Payload](vol)) {
				return fail(pipeline.ErrAborted)
			}
			if !s.Output(it) {
				return pipeline.ErrAborted
			}
			return nil
		}

		proj, err := asProjection(p)
		if err != nil {
			p.Release()
			return fail(err)
		}
		if err := checkShape(proj, projShape); err != nil {
			proj.Release()
			return fail(err)
		}
		if err := acquire(); err != nil {
			proj.Release()
			return err
		}

		backproject(vol, proj, t.Detector, t.Volume)
		proj.Release()
	}
}

// backproject adds one projection to the subvolume with the FDK distance
// weight, sampling the detector bilinearly.
func backproject(vol *Volume, proj *Projection, det geometry.Detector, full geometry.Volume) {
	g := vol.Subvolume.Geometry
	data := vol.Buffer.Data()
	img := proj.Buffer.Data()

	sin, cos := math.Sincos(proj.Angle)
	dSO := math.Abs(det.DistSource)
	dSD := det.DistSourceDetector()
	hMin, vMin := det.HMin(), det.VMin()
	scale := 0.5 * det.AngleStep * math.Pi / 180

	for z := range g.DimZ {
		zw := (float64(z+vol.Subvolume.FirstSlice) - float64(full.DimZ-1)/2) * g.VoxelSizeZ
		for y := range g.DimY {
			yw := (float64(y) - float64(g.DimY-1)/2) * g.VoxelSizeY
			for x := range g.DimX {
				xw := (float64(x) - float64(g.DimX-1)/2) * g.VoxelSizeX

				s := xw*cos + yw*sin
				t := -xw*sin + yw*cos

				u := dSO / (dSO + s)
				h := t * u * dSD / dSO
				v := zw * u * dSD / dSO

				col := (h - hMin) / det.PixelSizeH
				row := (v - vMin) / det.PixelSizeV

				data[(z*g.DimY+y)*g.DimX+x] += float32(scale * u * u * bilinear(img, det.PixelsH, det.PixelsV, col, row))
			}
		}
	}
}

func bilinear(img []float32, width, height int, col, row float64) float64 {
	if col < 0 || row < 0 || col > float64(width-1) || row > float64(height-1) {
		return 0
	}

	c0, r0 := int(col), int(row)
	c1, r1 := min(c0+1, width-1), min(r0+1, height-1)
	fc, fr := col-float64(c0), row-float64(r0)

	top := float64(img[r0*width+c0])*(1-fc) + float64(img[r0*width+c1])*fc
	bottom := float64(img[r1*width+c0])*(1-fc) + float64(img[r1*width+c1])*fc
	return top*(1-fr) + bottom*fr
}
