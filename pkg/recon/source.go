package recon

import (
	"context"
	"path/filepath"

	"github.com/paris-tomo/paris/internal/pipe"
	"github.com/paris-tomo/paris/pkg/pipeline"
)

// SourceStage turns the task into one projection per input file, in
// acquisition order, followed by the end of stream.
type SourceStage struct {
	pipeline.Base[Payload]
}

func NewSourceStage(device int) (*SourceStage, error) {
	return &SourceStage{Base: pipeline.NewBase[Payload](device)}, nil
}

func (s *SourceStage) Name() string { return "source" }

func (s *SourceStage) Run(ctx context.Context) error {
	t := s.Task()

	projections := make([]*Projection, len(t.Input.Files))
	for i, name := range t.Input.Files {
		projections[i] = &Projection{
			Index: i,
			Angle: t.Detector.Angle(i),
			Path:  filepath.Join(t.Input.Dir, name),
		}
	}

	for p := range pipe.StaticRx(projections...).Seq() {
		if !s.Output(pipeline.Data[Payload](p)) {
			return pipeline.ErrAborted
		}
	}

	if !s.Output(pipeline.EndOfStream[Payload]()) {
		return pipeline.ErrAborted
	}
	return nil
}
