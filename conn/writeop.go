// File: conn/writeop.go
// Author: momentics <momentics@gmail.com>
//
// writeOperation tracks one enqueued write's progress through the
// outbox (spec §4.5, "Write path"). Framed writes are marshalled to
// their wire bytes once, at enqueue time, and after that are
// indistinguishable from a raw write of those bytes.
package conn

type writeOperation struct {
	seq  uint64
	data []byte
	sent int
	cb   func(error)
}

// remaining reports how many bytes of data have not yet been reserved
// into the outbox.
func (op *writeOperation) remaining() int {
	return len(op.data) - op.sent
}

func (op *writeOperation) done() bool {
	return op.sent == len(op.data)
}
