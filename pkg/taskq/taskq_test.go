package taskq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsAllTasks(t *testing.T) {
	q := New("test", 4)
	defer q.Close()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		q.Dispatch(func() {
			count.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int64(200), count.Load())
}

func TestDispatchFrontCutsInLine(t *testing.T) {
	q := New("test", 1)
	defer q.Close()

	gate := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	// Occupy the single worker so queued order is observable.
	q.Dispatch(func() { <-gate })
	q.Dispatch(record("back1"))
	q.Dispatch(record("back2"))
	q.DispatchFront(record("front"))
	q.Dispatch(func() { close(done) })

	close(gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"front", "back1", "back2"}, order)
}

func TestCloseDrainsQueued(t *testing.T) {
	q := New("test", 2)

	var count atomic.Int64
	for i := 0; i < 50; i++ {
		q.Dispatch(func() { count.Add(1) })
	}
	q.Close()
	assert.Equal(t, int64(50), count.Load())
	assert.Equal(t, 0, q.Len())
}

func TestDispatchAfterClosePanics(t *testing.T) {
	q := New("test", 1)
	q.Close()
	assert.Panics(t, func() { q.Dispatch(func() {}) })
}
