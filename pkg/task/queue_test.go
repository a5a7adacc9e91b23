package task

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{ID: i}
	}
	return tasks
}

func TestQueueExactlyOnce(t *testing.T) {
	const n = 2000
	for _, consumers := range []int{1, 2, 7} {
		q := NewQueue(makeTasks(n)...)

		seen := make([][]int, consumers)
		var wg sync.WaitGroup
		for c := range consumers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					tk, ok := q.Pop()
					if !ok {
						return
					}
					seen[c] = append(seen[c], tk.ID)
				}
			}()
		}
		wg.Wait()

		all := slices.Concat(seen...)
		slices.Sort(all)
		require.Len(t, all, n)
		for i, id := range all {
			require.Equal(t, i, id)
		}
		require.Equal(t, 0, q.Len())
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(makeTasks(5)...)
	require.Equal(t, 5, q.Len())

	for i := range 5 {
		tk, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, tk.ID)
	}

	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue()
	require.ErrorIs(t, q.Push(Task{ID: 1}), ErrQueueClosed)

	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueuePopBlocksUntilPushOrClose(t *testing.T) {
	q := NewOpenQueue()

	got := make(chan Task)
	go func() {
		tk, ok := q.Pop()
		if ok {
			got <- tk
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("pop returned from an empty open queue")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push(Task{ID: 42}))
	require.Equal(t, 42, (<-got).ID)

	done := make(chan bool)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	require.False(t, <-done)
}
