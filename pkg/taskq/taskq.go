// Package taskq implements the bounded worker pools that run pipeline
// stages asynchronously.
//
// A Queue is a named pool of goroutines draining a double-ended task list.
// The front of the list exists for "cut in line" dispatch: device reissues
// after a transient error jump ahead of queued preparation work so a cheap
// retry is not stuck behind compression jobs.
package taskq

import (
	"sync"
)

// Task is a unit of work submitted to a Queue.
type Task = func()

// Queue is a fixed-size worker pool over a double-ended task list.
// Safe for concurrent use.
type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []Task // index 0 is the front
	closed bool

	wg sync.WaitGroup
}

// New creates a queue draining tasks with the given number of workers.
func New(name string, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{name: name}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Name returns the queue's name, used in logs and metrics.
func (q *Queue) Name() string { return q.name }

// Dispatch appends a task to the back of the queue. Dispatching to a
// closed queue panics; the engine quiesces all I/O before tearing down
// its queues.
func (q *Queue) Dispatch(t Task) {
	q.dispatch(t, false)
}

// DispatchFront inserts a task at the front of the queue, ahead of all
// queued work.
func (q *Queue) DispatchFront(t Task) {
	q.dispatch(t, true)
}

func (q *Queue) dispatch(t Task, front bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		panic("taskq: dispatch on closed queue " + q.name)
	}
	if front {
		q.tasks = append([]Task{t}, q.tasks...)
	} else {
		q.tasks = append(q.tasks, t)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

// Len returns the number of queued (not yet running) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		t()
	}
}

// Close drains remaining tasks and stops the workers. It blocks until all
// workers have exited.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
}
