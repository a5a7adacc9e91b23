package recon

import (
	"context"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/paris-tomo/paris/pkg/pipeline"
	"github.com/paris-tomo/paris/pkg/task"
)

// FilterStage applies a ramp filter to every detector row in the frequency
// domain.
type FilterStage struct {
	pipeline.Base[Payload]

	width  int
	fft    *fourier.FFT
	ramp   []float64
	row    []float64
	coeffs []complex128
}

func NewFilterStage(device int) (*FilterStage, error) {
	return &FilterStage{Base: pipeline.NewBase[Payload](device)}, nil
}

func (s *FilterStage) Name() string { return "filter" }

// AssignTask sizes the transform for the detector width of the task. Rows
// are zero padded to at least twice their length to avoid wrap-around.
func (s *FilterStage) AssignTask(t task.Task) {
	s.Base.AssignTask(t)

	width := t.Detector.PixelsH
	if width == s.width && s.fft != nil {
		return
	}

	n := 1
	for n < 2*width {
		n <<= 1
	}

	s.width = width
	s.fft = fourier.NewFFT(n)
	s.ramp = rampFilter(n, t.Detector.PixelSizeH)
	s.row = make([]float64, n)
	s.coeffs = make([]complex128, n/2+1)
}

// rampFilter is the |f| response sampled at the n/2+1 real-FFT frequencies,
// scaled for the inverse transform.
func rampFilter(n int, pixelSize float64) []float64 {
	ramp := make([]float64, n/2+1)
	for k := range ramp {
		ramp[k] = float64(k) / (float64(n) * pixelSize)
	}
	floats.Scale(1/float64(n), ramp)
	return ramp
}

func (s *FilterStage) Run(ctx context.Context) error {
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
		for r := range shape.Height {
			s.filterRow(data[r*s.width : (r+1)*s.width])
		}
		return proj, nil
	})
}

func (s *FilterStage) filterRow(row []float32) {
	clear(s.row)
	for i, v := range row {
		s.row[i] = float64(v)
	}

	s.fft.Coefficients(s.coeffs, s.row)
	for k, g := range s.ramp {
		s.coeffs[k] *= complex(g, 0)
	}
	s.fft.Sequence(s.row, s.coeffs)

	for i := range row {
		row[i] = float32(s.row[i])
	}
}
