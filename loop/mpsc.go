// File: loop/mpsc.go
// Author: momentics <momentics@gmail.com>
//
// A bounded multi-producer/single-consumer queue used to funnel
// deferToLoop submissions from arbitrary caller goroutines onto the one
// loop goroutine. Grounded on the teacher's core/concurrency
// lock_free_queue.go (Vyukov MPMC ring with per-cell sequence numbers),
// narrowed here to the MPSC case the loop actually needs.
package loop

import "sync/atomic"

const cacheLinePad = 64

type cell[T any] struct {
	sequence atomic.Uint64
	data     T
	_        [cacheLinePad]byte
}

// mpscQueue is a bounded, lock-free multi-producer/single-consumer queue.
type mpscQueue[T any] struct {
	head uint64
	_    [cacheLinePad]byte
	tail uint64
	_    [cacheLinePad]byte
	mask uint64
	cell []cell[T]
}

func newMPSCQueue[T any](capacity int) *mpscQueue[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &mpscQueue[T]{
		mask: uint64(size - 1),
		cell: make([]cell[T], size),
	}
	for i := range q.cell {
		q.cell[i].sequence.Store(uint64(i))
	}
	return q
}

// push enqueues val; returns false if the queue is full. Safe for
// concurrent callers.
func (q *mpscQueue[T]) push(val T) bool {
	for {
		tail := atomic.LoadUint64(&q.tail)
		c := &q.cell[tail&q.mask]
		seq := c.sequence.Load()
		switch diff := int64(seq) - int64(tail); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.tail, tail, tail+1) {
				c.data = val
				c.sequence.Store(tail + 1)
				return true
			}
		case diff < 0:
			return false // full
		}
	}
}

// pop dequeues the oldest item. Must only be called from the single
// consumer goroutine.
func (q *mpscQueue[T]) pop() (item T, ok bool) {
	head := q.head
	c := &q.cell[head&q.mask]
	seq := c.sequence.Load()
	if int64(seq)-int64(head+1) != 0 {
		return item, false
	}
	item = c.data
	c.sequence.Store(head + q.mask + 1)
	q.head = head + 1
	return item, true
}
