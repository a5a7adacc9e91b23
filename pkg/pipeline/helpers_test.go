package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/paris-tomo/paris/pkg/task"
)

type ledger struct {
	created  atomic.Int64
	released atomic.Int64
}

type payload struct {
	task     int
	seq      int
	ledger   *ledger
	released atomic.Bool
}

func (l *ledger) make(taskID, seq int) *payload {
	l.created.Add(1)
	return &payload{task: taskID, seq: seq, ledger: l}
}

func (p *payload) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.ledger.released.Add(1)
	}
}

type source struct {
	Base[*payload]
	ledger *ledger
}

func (s *source) Name() string { return "source" }

func (s *source) Run(ctx context.Context) error {
	t := s.Task()
	for i := range t.Input.Files {
		p := s.ledger.make(t.ID, i)
		if !s.Output(Data(p)) {
			p.Release()
			return ErrAborted
		}
	}
	if !s.Output(EndOfStream[*payload]()) {
		return ErrAborted
	}
	return nil
}

type transform struct {
	Base[*payload]
	name string
	fn   func(*payload) error
}

func (s *transform) Name() string { return s.name }

func (s *transform) Run(ctx context.Context) error {
	return Forward(ctx, &s.Base, func(_ context.Context, p *payload) (*payload, error) {
		if s.fn != nil {
			if err := s.fn(p); err != nil {
				return nil, err
			}
		}
		return p, nil
	})
}

type collector struct {
	mu   sync.Mutex
	seen []*payload
	ends int
}

func (c *collector) terminal(it Item[*payload]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := it.Value()
	if !ok {
		c.ends++
		return true
	}
	c.seen = append(c.seen, v)
	v.Release()
	return true
}

func makeTasks(n, items int) []task.Task {
	tasks := make([]task.Task, n)
	for i := range tasks {
		tasks[i] = task.Task{ID: i, Input: task.Input{Files: make([]string, items)}}
	}
	return tasks
}

type fixture struct {
	pl        *Pipeline[*payload]
	stages    []Stage[*payload]
	ledger    *ledger
	collector *collector
}

// newFixture builds source -> one transform per fn -> collector.
func newFixture(queue TaskSource, device int, fns []func(*payload) error, opts ...Option) (*fixture, error) {
	pl, err := New[*payload](queue, device, opts...)
	if err != nil {
		return nil, err
	}

	f := &fixture{pl: pl, ledger: &ledger{}, collector: &collector{}}

	src, err := MakeStage(pl, func(device int) (*source, error) {
		return &source{Base: NewBase[*payload](device), ledger: f.ledger}, nil
	})
	if err != nil {
		return nil, err
	}
	f.stages = append(f.stages, src)

	for i, fn := range fns {
		name := []string{"preload", "weight", "filter", "backproject"}[i%4]
		s, err := MakeStage(pl, func(device int) (*transform, error) {
			return &transform{Base: NewBase[*payload](device), name: name, fn: fn}, nil
		})
		if err != nil {
			return nil, err
		}
		f.stages = append(f.stages, s)
	}

	pl.SetTerminal(f.collector.terminal)
	if err := pl.Connect(f.stages...); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fixture) run(ctx context.Context) error {
	if err := f.pl.Run(ctx, f.stages...); err != nil {
		return err
	}
	return f.pl.Wait()
}
