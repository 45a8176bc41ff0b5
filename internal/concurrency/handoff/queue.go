// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package handoff moves work from background goroutines onto the tick thread.
//
// Producers Submit closures from any goroutine; the tick thread calls Drain
// once per tick and runs them in submission order. World mutations computed
// off-thread are applied only from Drain.
package handoff

import (
	"sync"
	"sync/atomic"
)

// Queue is a multi-producer single-consumer task queue.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	spare   []func()
	closed  atomic.Bool
	size    atomic.Int64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Submit enqueues fn. It returns false once the queue is closed.
func (q *Queue) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return false
	}
	q.pending = append(q.pending, fn)
	q.size.Add(1)
	return true
}

// Drain runs every task queued before the call and returns how many ran.
// Tasks submitted while draining run on the next call.
func (q *Queue) Drain() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = q.spare[:0]
	q.mu.Unlock()

	for i, fn := range batch {
		fn()
		batch[i] = nil
		q.size.Add(-1)
	}

	q.mu.Lock()
	q.spare = batch[:0]
	q.mu.Unlock()
	return len(batch)
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return int(q.size.Load())
}

// Close rejects further submissions. Queued tasks can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed.Store(true)
}
