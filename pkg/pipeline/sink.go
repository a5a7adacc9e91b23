package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/paris-tomo/paris/internal/concurrency"
	"github.com/paris-tomo/paris/internal/pipe"
	"github.com/paris-tomo/paris/pkg/logger"
)

// Sink is the consumer shared by every device pipeline. Producers push into
// one funnel and a single goroutine, Run, consumes the items in arrival
// order. Run returns once every attached producer has closed.
type Sink[T any] struct {
	consume func(context.Context, T) error
	funnel  *pipe.Pipe[Item[T]]
	logger  logger.Logger

	mu        sync.Mutex
	producers int
	running   bool

	consumed  atomic.Int64
	sentinels atomic.Int64
}

// SinkStats counts what a sink has seen so far.
type SinkStats struct {
	Consumed  int
	Sentinels int
}

// NewSink returns a sink that hands every data item to consume. consume
// owns the value it is given. The input limit option sets the funnel
// capacity.
func NewSink[T any](consume func(context.Context, T) error, opts ...Option) *Sink[T] {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if err := config.Validate(); err != nil {
		config.InputLimit = DefaultInputLimit
	}

	return &Sink[T]{
		consume: consume,
		funnel:  pipe.Must[Item[T]](config.InputLimit),
		logger:  config.Logger,
	}
}

// Attach registers a producer. All producers must be attached before Run.
func (s *Sink[T]) Attach() *Producer[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		panic("pipeline: producer attached to a running sink")
	}
	s.producers++
	return &Producer[T]{funnel: s.funnel}
}

// Run consumes items until every producer has closed. A consume failure or
// panic does not stop the funnel: later items are released so producers
// never block, and the first failure is returned at the end.
func (s *Sink[T]) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	remaining := s.producers
	s.mu.Unlock()

	defer s.funnel.Close()

	var firstErr error
	for remaining > 0 {
		var it Item[T]
		if !s.funnel.Recv(&it) {
			break
		}

		v, ok := it.Value()
		if !ok {
			remaining--
			s.sentinels.Add(1)
			s.logger.Debug("sink producer detached", zap.Int("remaining", remaining))
			continue
		}

		if firstErr != nil {
			Release(v)
			continue
		}

		err := concurrency.Try(func() error {
			return s.consume(ctx, v)
		})
		if err != nil {
			var recovered *panics.ErrRecovered
			if errors.As(err, &recovered) {
				// consume never got to release it
				Release(v)
			}
			firstErr = &RuntimeError{Device: -1, Stage: "sink", TaskID: -1, Err: err}
			s.logger.Error("sink failed, discarding remaining items", zap.Error(err))
			continue
		}
		s.consumed.Add(1)
	}

	return firstErr
}

func (s *Sink[T]) Stats() SinkStats {
	return SinkStats{
		Consumed:  int(s.consumed.Load()),
		Sentinels: int(s.sentinels.Load()),
	}
}

// Producer is one pipeline's handle on a Sink.
type Producer[T any] struct {
	funnel *pipe.Pipe[Item[T]]
	once   sync.Once
	closed atomic.Bool
}

// Send pushes v to the sink. It returns false after Close, in which case the
// caller keeps ownership of v.
func (p *Producer[T]) Send(v T) bool {
	if p.closed.Load() {
		return false
	}
	return p.funnel.Send(Data(v))
}

// Close tells the sink this producer is done. Only the first call has an
// effect.
func (p *Producer[T]) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		p.funnel.Send(EndOfStream[T]())
	})
}

// Terminal adapts the producer for Pipeline.SetTerminal: data items are
// sent to the sink and the per-task end of stream is counted by onEnd,
// which may be nil.
func (p *Producer[T]) Terminal(onEnd func()) func(Item[T]) bool {
	return func(it Item[T]) bool {
		v, ok := it.Value()
		if !ok {
			if onEnd != nil {
				onEnd()
			}
			return true
		}
		return p.Send(v)
	}
}
