// Package task describes reconstruction jobs and the queue that hands them
// out to device pipelines.
package task

import (
	"errors"
	"fmt"

	"github.com/paris-tomo/paris/pkg/geometry"
)

var ErrNoProjections = errors.New("no projections to reconstruct")

// Task is one reconstruction job: the projections to read, the geometry to
// reconstruct into and where to put the result. Tasks are never mutated
// once generated.
type Task struct {
	ID        int
	Input     Input
	Detector  geometry.Detector
	Volume    geometry.Volume
	Subvolume geometry.Subvolume
	Output    Output
}

type Input struct {
	Dir string
	// Files holds the projection file names relative to Dir in acquisition
	// order.
	Files []string
}

type Output struct {
	Path   string
	Prefix string
}

// Options carries the non-geometric settings shared by every task.
type Options struct {
	InputDir   string
	Files      []string
	OutputPath string
	Prefix     string
}

// Generate creates one task per subvolume with ids 0..sub.Count-1.
func Generate(opts Options, det geometry.Detector, vol geometry.Volume, sub geometry.Subvolumes) ([]Task, error) {
	if len(opts.Files) == 0 {
		return nil, fmt.Errorf("%w in %q", ErrNoProjections, opts.InputDir)
	}
	if sub.Count < 1 {
		return nil, fmt.Errorf("%w: subvolume count must be at least one", geometry.ErrInvalidGeometry)
	}

	files := make([]string, len(opts.Files))
	copy(files, opts.Files)

	tasks := make([]Task, 0, sub.Count)
	for i := range sub.Count {
		tasks = append(tasks, Task{
			ID:        i,
			Input:     Input{Dir: opts.InputDir, Files: files},
			Detector:  det,
			Volume:    vol,
			Subvolume: sub.At(i),
			Output:    Output{Path: opts.OutputPath, Prefix: opts.Prefix},
		})
	}
	return tasks, nil
}
