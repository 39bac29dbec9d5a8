// File: opqueue/queue.go
// Author: momentics <momentics@gmail.com>
//
// A generic FIFO wrapper around eapache/queue's auto-resizing ring buffer,
// used for the connection's read and write operation queues (spec §3,
// "Operation queues"). The teacher's go.mod already declares this
// dependency; this is the first place in the module that exercises it.
package opqueue

import "github.com/eapache/queue"

// Queue is a type-safe FIFO of T built on eapache/queue.Queue.
type Queue[T any] struct {
	q *queue.Queue
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{q: queue.New()}
}

// PushBack enqueues v at the tail.
func (s *Queue[T]) PushBack(v T) {
	s.q.Add(v)
}

// Front returns the head of the queue without removing it. ok is false if
// the queue is empty.
func (s *Queue[T]) Front() (v T, ok bool) {
	if s.q.Length() == 0 {
		return v, false
	}
	return s.q.Peek().(T), true
}

// PopFront removes and returns the head of the queue. ok is false if the
// queue is empty.
func (s *Queue[T]) PopFront() (v T, ok bool) {
	if s.q.Length() == 0 {
		return v, false
	}
	return s.q.Remove().(T), true
}

// Len reports the number of queued items.
func (s *Queue[T]) Len() int {
	return s.q.Length()
}

// Drain removes every item in FIFO order, invoking fn on each. Useful for
// failing every pending operation with the same error during teardown.
func (s *Queue[T]) Drain(fn func(T)) {
	for s.q.Length() > 0 {
		fn(s.q.Remove().(T))
	}
}
