package utils

import (
	"container/list"
	"sync"
)

// DispatchQueue is a blocking FIFO of deferred function calls with a
// single consumer. Producers enqueue self-contained closures; the
// consumer drains them in order. Release unblocks the consumer during
// shutdown, and Reset rearms the queue for reuse after a reconnect.
type DispatchQueue struct {
	mu             sync.Mutex
	notEmptyNotify chan struct{}
	container      *list.List
	released       bool
}

// NewDispatchQueue creates an empty, armed queue.
func NewDispatchQueue() *DispatchQueue {
	return &DispatchQueue{
		container:      list.New(),
		notEmptyNotify: make(chan struct{}, 1),
	}
}

// Enqueue appends a dispatch to the queue and wakes the consumer.
func (q *DispatchQueue) Enqueue(fn func()) {
	q.mu.Lock()
	q.container.PushBack(fn)
	q.mu.Unlock()

	select {
	case q.notEmptyNotify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a dispatch is available or the queue is
// released. It returns false once the queue has been released;
// dispatches still queued at that point are discarded by Clear.
func (q *DispatchQueue) Dequeue() (func(), bool) {
	for {
		q.mu.Lock()
		if q.released {
			q.mu.Unlock()
			return nil, false
		}
		if front := q.container.Front(); front != nil {
			fn := q.container.Remove(front).(func())
			q.mu.Unlock()
			return fn, true
		}
		q.mu.Unlock()

		<-q.notEmptyNotify
	}
}

// Release unblocks the consumer. Subsequent Dequeue calls return false
// until Reset.
func (q *DispatchQueue) Release() {
	q.mu.Lock()
	q.released = true
	q.mu.Unlock()

	select {
	case q.notEmptyNotify <- struct{}{}:
	default:
	}
}

// Clear discards all pending dispatches.
func (q *DispatchQueue) Clear() {
	q.mu.Lock()
	q.container.Init()
	q.mu.Unlock()
}

// Reset rearms a released queue so it can be used again.
func (q *DispatchQueue) Reset() {
	q.mu.Lock()
	q.released = false
	// Drain any stale wakeup left over from Release
	select {
	case <-q.notEmptyNotify:
	default:
	}
	q.mu.Unlock()
}

// Len returns the number of pending dispatches.
func (q *DispatchQueue) Len() int {
	q.mu.Lock()
	n := q.container.Len()
	q.mu.Unlock()
	return n
}
