// Package queue provides the outward event queue shared between the alarm
// polling loop and the scheduler. The producer always succeeds; the consumer
// drains best-effort and skips a cycle instead of blocking, so it can never
// stall the alarm loop.
package queue

import "sync"

type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends an item. Called only by the alarm loop.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// TryPop removes and returns the oldest item. It returns false both when the
// queue is empty and when the lock is contended.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	if !q.mu.TryLock() {
		return zero, false
	}
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
