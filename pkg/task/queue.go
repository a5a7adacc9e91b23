package task

import (
	"errors"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

var ErrQueueClosed = errors.New("task queue is closed")

// Queue is the work queue shared by every device pipeline. Each task is
// handed to exactly one caller of Pop.
type Queue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	tasks    *linkedlistqueue.Queue
	closed   bool
}

// NewQueue returns a queue holding tasks that accepts no further pushes.
func NewQueue(tasks ...Task) *Queue {
	q := NewOpenQueue()
	for _, t := range tasks {
		q.tasks.Enqueue(t)
	}
	q.closed = true
	return q
}

// NewOpenQueue returns an empty queue that producers fill with Push and
// finish with Close.
func NewOpenQueue() *Queue {
	q := &Queue{tasks: linkedlistqueue.New()}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Push(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.tasks.Enqueue(t)
	q.nonEmpty.Signal()
	return nil
}

// Close stops further pushes. Consumers keep draining what is queued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.nonEmpty.Broadcast()
}

// Pop blocks while the queue is empty and open. It returns false once the
// queue is closed and drained.
func (q *Queue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.tasks.Empty() && !q.closed {
		q.nonEmpty.Wait()
	}

	v, ok := q.tasks.Dequeue()
	if !ok {
		return Task{}, false
	}
	return v.(Task), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Size()
}
