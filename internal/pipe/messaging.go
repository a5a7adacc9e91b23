package pipe

import (
	"errors"
	"iter"
	"sync"
)

var ErrInvalidSize = errors.New("pipe capacity must be greater than zero")

type Rx[T any] interface {
	Recv(*T) bool
	Seq() iter.Seq[T]
}

type Tx[T any] interface {
	Send(T) bool
}

type TxCloser[T any] interface {
	Tx[T]
	Close()
}

// Pipe is a bounded FIFO handoff between goroutines. Send blocks while the
// pipe holds Cap() items and Recv blocks while it is empty.
//
// Close is the abort path: it wakes every blocked caller, makes every
// subsequent Send fail, and lets Recv drain what is left before failing.
type Pipe[T any] struct {
	data  []T
	head  int
	tail  int
	count int
	done  bool
	mu    sync.Mutex
	full  *sync.Cond
	empty *sync.Cond
}

// New is a function that instantiates a new Pipe with a capacity of n.
// The value of n must be at least one.
func New[T any](n int) (*Pipe[T], error) {
	if n < 1 {
		return nil, ErrInvalidSize
	}
	var p Pipe[T]
	p.data = make([]T, n)
	p.full = sync.NewCond(&p.mu)
	p.empty = sync.NewCond(&p.mu)
	return &p, nil
}

// Must is a function that returns a new instance of a Pipe, or panics
// if an error is encountered.
func Must[T any](n int) *Pipe[T] {
	p, err := New[T](n)
	if err != nil {
		panic(err)
	}
	return p
}

// Cap returns the maximum number of items the pipe holds before Send blocks.
func (p *Pipe[T]) Cap() int {
	return len(p.data)
}

// Len returns the number of items currently buffered.
func (p *Pipe[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Pipe[T]) Seq() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			var msg T
			ok := p.Recv(&msg)
			if !ok {
				break
			}

			if !yield(msg) {
				break
			}
		}
	}
}

func (p *Pipe[T]) Send(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Wait if the buffer is full.
	for p.count == len(p.data) && !p.done {
		p.full.Wait()
	}

	if p.done {
		return false
	}

	p.data[p.head] = item
	p.head = (p.head + 1) % len(p.data)
	p.count++

	// Signal that the buffer is no longer empty.
	p.empty.Signal()
	return true
}

func (p *Pipe[T]) Recv(t *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Wait while the buffer is empty and the pipe is not yet done.
	for p.count == 0 && !p.done {
		p.empty.Wait()
	}

	if p.count == 0 {
		return false
	}

	var zero T
	*t = p.data[p.tail]
	p.data[p.tail] = zero
	p.tail = (p.tail + 1) % len(p.data)
	p.count--

	// Signal that the buffer is no longer full.
	p.full.Signal()
	return true
}

// Close marks the pipe as done. It is safe to call more than once.
func (p *Pipe[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = true

	p.empty.Broadcast()
	p.full.Broadcast()
}

type staticRx[T any] struct {
	mu    sync.Mutex
	items []T
	pos   int
}

func (p *staticRx[T]) Recv(t *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pos == len(p.items) {
		return false
	}

	*t = p.items[p.pos]
	p.pos++
	return true
}

func (p *staticRx[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pos = len(p.items)
}

func (p *staticRx[T]) Seq() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer p.Close()

		for {
			var msg T
			ok := p.Recv(&msg)
			if !ok {
				break
			}

			if !yield(msg) {
				break
			}
		}
	}
}

// StaticRx returns a receiver over a fixed set of items that never blocks.
func StaticRx[T any](items ...T) Rx[T] {
	return &staticRx[T]{
		items: items,
	}
}
