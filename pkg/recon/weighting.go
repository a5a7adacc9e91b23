package recon

import (
	"context"
	"math"

	"github.com/paris-tomo/paris/pkg/geometry"
	"github.com/paris-tomo/paris/pkg/pipeline"
	"github.com/paris-tomo/paris/pkg/task"
)

// WeightingStage applies the cosine pre-weighting of the cone beam to every
// projection in place.
type WeightingStage struct {
	pipeline.Base[Payload]
	weights []float32
}

func NewWeightingStage(device int) (*WeightingStage, error) {
	return &WeightingStage{Base: pipeline.NewBase[Payload](device)}, nil
}

func (s *WeightingStage) Name() string { return "weighting" }

func (s *WeightingStage) AssignTask(t task.Task) {
	s.Base.AssignTask(t)
	s.weights = cosineWeights(t.Detector)
}

// cosineWeights returns d_sd / sqrt(d_sd² + h² + v²) for every pixel.
func cosineWeights(det geometry.Detector) []float32 {
	dSD := det.DistSourceDetector()
	hMin, vMin := det.HMin(), det.VMin()

	w := make([]float32, det.Pixels())
	for row := range det.PixelsV {
		v := vMin + float64(row)*det.PixelSizeV
		for col := range det.PixelsH {
			h := hMin + float64(col)*det.PixelSizeH
			w[row*det.PixelsH+col] = float32(dSD / math.Sqrt(dSD*dSD+h*h+v*v))
		}
	}
	return w
}

func (s *WeightingStage) Run(ctx context.Context) error {
	shape := detectorShape(s.Task().Detector)

	return pipeline.Forward(ctx, &s.Base, func(_ context.Context, p Payload) (Payload, error) {
		proj, err := asProjection(p)
		if err != nil {
			return nil, err
		}
		if err := checkShape(proj, shape); err != nil {
			return nil, err
		}

		data := proj.Buffer.Data()
		for i, w := range s.weights {
			data[i] *= w
		}
		return proj, nil
	})
}
