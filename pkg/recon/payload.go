// Package recon holds the stages of the cone-beam reconstruction chain and
// the collaborators they read projections from and write volumes to.
package recon

import (
	"fmt"

	"github.com/paris-tomo/paris/pkg/bufferpool"
	"github.com/paris-tomo/paris/pkg/geometry"
	"github.com/paris-tomo/paris/pkg/pipeline"
	"github.com/paris-tomo/paris/pkg/task"
)

// Payload is what flows through a reconstruction pipeline: a *Projection
// until back-projection, a *Volume afterwards.
type Payload interface {
	pipeline.Releaser
}

// Projection is one detector image. Buffer is nil until the preloader has
// read the image.
type Projection struct {
	Index  int
	Angle  float64
	Path   string
	Buffer *bufferpool.Buffer
}

func (p *Projection) Release() {
	p.Buffer.Release()
}

// Volume is the reconstructed subvolume of one task.
type Volume struct {
	TaskID    int
	Subvolume geometry.Subvolume
	Output    task.Output
	Buffer    *bufferpool.Buffer
}

func (v *Volume) Release() {
	v.Buffer.Release()
}

func detectorShape(det geometry.Detector) bufferpool.Shape {
	return bufferpool.Shape{Width: det.PixelsH, Height: det.PixelsV, Depth: 1}
}

func volumeShape(vol geometry.Volume) bufferpool.Shape {
	return bufferpool.Shape{Width: vol.DimX, Height: vol.DimY, Depth: vol.DimZ}
}

func asProjection(p Payload) (*Projection, error) {
	proj, ok := p.(*Projection)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T, want projection", p)
	}
	return proj, nil
}

func checkShape(proj *Projection, want bufferpool.Shape) error {
	if proj.Buffer == nil {
		return fmt.Errorf("projection %d has no data", proj.Index)
	}
	if got := proj.Buffer.Shape(); got != want {
		return fmt.Errorf("projection %d has shape %s, want %s", proj.Index, got, want)
	}
	return nil
}
