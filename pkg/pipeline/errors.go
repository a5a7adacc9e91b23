package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConstruction = errors.New("pipeline construction failed")
	ErrRuntime      = errors.New("pipeline execution failed")

	// ErrAborted is returned by stages that stopped because a sibling
	// stage failed and the pipes of the task were closed.
	ErrAborted = errors.New("stage aborted")

	// ErrInterrupted is returned when the context was cancelled before the
	// task queue was drained.
	ErrInterrupted = errors.New("run interrupted")

	errNotConnected     = errors.New("stages are not connected")
	errAlreadyConnected = errors.New("stages are already connected")
	errAlreadyRunning   = errors.New("pipeline is already running")
	errNotRunning       = errors.New("pipeline was never started")
	errStageOrder       = errors.New("stages do not match the declared order")
	errNoStages         = errors.New("pipeline has no stages")
)

// ConstructionError reports a failure while building or wiring a pipeline.
type ConstructionError struct {
	Device int
	Op     string
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("device %d: %s: %v", e.Device, e.Op, e.Err)
}

func (e *ConstructionError) Unwrap() []error {
	return []error{ErrConstruction, e.Err}
}

// RuntimeError reports a stage failure while a task was being processed.
// Device and TaskID are negative when the failure is not tied to a device
// or a task, as for the shared sink.
type RuntimeError struct {
	Device int
	Stage  string
	TaskID int
	Err    error
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	if e.Device >= 0 {
		fmt.Fprintf(&b, "device %d: ", e.Device)
	}
	b.WriteString(e.Stage)
	if e.TaskID >= 0 {
		fmt.Fprintf(&b, ": task %d", e.TaskID)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *RuntimeError) Unwrap() []error {
	return []error{ErrRuntime, e.Err}
}
