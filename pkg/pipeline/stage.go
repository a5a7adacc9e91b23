package pipeline

import (
	"context"
	"fmt"

	"github.com/paris-tomo/paris/pkg/task"
)

// Stage is one step of a pipeline. The pipeline binds its input and output
// functions once at Connect time and assigns the current task before every
// Run. An input returning false or an output returning false means the
// pipeline was torn down; Run must then release what it holds and return
// ErrAborted.
type Stage[T any] interface {
	AssignTask(task.Task)
	SetInputFunction(func() (Item[T], bool))
	SetOutputFunction(func(Item[T]) bool)
	Run(ctx context.Context) error
}

// Named is implemented by stages that want a stable name in logs, spans
// and metrics.
type Named interface {
	Name() string
}

func stageName(s any) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// Base holds the bookkeeping shared by all stages. Embed it and implement Run.
type Base[T any] struct {
	device int
	task   task.Task
	input  func() (Item[T], bool)
	output func(Item[T]) bool
}

func NewBase[T any](device int) Base[T] {
	return Base[T]{device: device}
}

func (b *Base[T]) AssignTask(t task.Task) {
	b.task = t
}

func (b *Base[T]) SetInputFunction(fn func() (Item[T], bool)) {
	b.input = fn
}

func (b *Base[T]) SetOutputFunction(fn func(Item[T]) bool) {
	b.output = fn
}

func (b *Base[T]) Device() int {
	return b.device
}

func (b *Base[T]) Task() task.Task {
	return b.task
}

// Input pops the next item. It returns false once the pipeline was torn down.
func (b *Base[T]) Input() (Item[T], bool) {
	if b.input == nil {
		var zero Item[T]
		return zero, false
	}
	return b.input()
}

// Output pushes an item downstream. It returns false once the pipeline was
// torn down, in which case the item was not taken.
func (b *Base[T]) Output(it Item[T]) bool {
	if b.output == nil {
		return false
	}
	return b.output(it)
}

// Forward runs the loop of a one-to-one stage: every data item is passed
// through fn and the end of stream is forwarded as is. fn owns its argument
// on success; on error Forward releases it, so fn must not.
func Forward[T any](ctx context.Context, b *Base[T], fn func(context.Context, T) (T, error)) error {
	for {
		it, ok := b.Input()
		if !ok {
			return ErrAborted
		}

		v, ok := it.Value()
		if !ok {
			if !b.Output(it) {
				return ErrAborted
			}
			return nil
		}

		out, err := fn(ctx, v)
		if err != nil {
			Release(v)
			return err
		}

		if !b.Output(Data(out)) {
			Release(out)
			return ErrAborted
		}
	}
}
