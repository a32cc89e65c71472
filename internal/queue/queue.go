// Package queue provides the bounded-concurrency FIFO queue that
// serializes annotation jobs through the agent session.
//
// Items are processed in submission order by up to N concurrent workers,
// where N is fixed at construction. With N=1 the queue degenerates to
// strict sequential, in-order completion, which is the recommended mode
// when all workers share one agent session instance.
//
// The pending list is unbounded. For a single local developer session the
// queue depth is effectively bounded by how fast a human can click, so
// overload shedding is deliberately left out.
package queue

import (
	"runtime/debug"
	"sync"

	"github.com/Iron-Ham/sparkbridge/internal/logging"
)

// Queue is a FIFO work queue with a fixed upper bound on concurrently
// processing items. All methods are safe for concurrent use.
type Queue[T any] struct {
	mu          sync.Mutex
	items       []T
	active      int
	concurrency int
	process     func(T)
}

// New creates a Queue that invokes process for each enqueued item.
// Concurrency values below 1 are clamped to 1.
func New[T any](concurrency int, process func(T)) *Queue[T] {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue[T]{
		concurrency: concurrency,
		process:     process,
	}
}

// Enqueue appends an item and starts processing it as soon as a worker
// slot is free.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.pumpLocked()
	q.mu.Unlock()
}

// Clear drops all pending items without running them. Items already
// processing are not interrupted.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Active returns the number of items currently inside the process callback.
func (q *Queue[T]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Pending returns the number of items waiting for a worker slot.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pumpLocked dequeues items into free worker slots. Callers must hold q.mu.
func (q *Queue[T]) pumpLocked() {
	for q.active < q.concurrency && len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.active++
		go q.run(item)
	}
}

// run executes the process callback for one item and re-pumps on
// completion. A panicking callback must never stall the worker slot, so
// panics are recovered and logged.
func (q *Queue[T]) run(item T) {
	defer func() {
		if r := recover(); r != nil {
			logging.Default().Error("queue worker panicked", "panic", r, "stack", string(debug.Stack()))
		}
		q.mu.Lock()
		q.active--
		q.pumpLocked()
		q.mu.Unlock()
	}()
	q.process(item)
}
