package pipeline

// Item is what travels between stages: either a data value or the marker
// that ends the stream of the current task.
type Item[T any] struct {
	value T
	end   bool
}

func Data[T any](v T) Item[T] {
	return Item[T]{value: v}
}

func EndOfStream[T any]() Item[T] {
	return Item[T]{end: true}
}

// End reports whether the item marks the end of the stream.
func (i Item[T]) End() bool {
	return i.end
}

// Value returns the payload and true, or the zero value and false for
// EndOfStream.
func (i Item[T]) Value() (T, bool) {
	return i.value, !i.end
}

// Releaser is implemented by payloads that own pooled resources.
type Releaser interface {
	Release()
}

// Release gives back the resources held by v, if any.
func Release[T any](v T) {
	if r, ok := any(v).(Releaser); ok {
		r.Release()
	}
}

// drop releases the payload of a data item.
func drop[T any](it Item[T]) {
	if v, ok := it.Value(); ok {
		Release(v)
	}
}
