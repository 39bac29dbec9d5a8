// File: ibv/cq.go
// Author: momentics <momentics@gmail.com>
//
// CompletionQueue and SharedReceiveQueue are process-wide handles owned by
// the reactor (spec §6); every queue pair bound to a CQ posts its
// completions there.

package ibv

import "sync"

// CompletionQueue is an unbounded FIFO of work completions.
type CompletionQueue struct {
	mu   sync.Mutex
	pend []WorkCompletion
}

// NewCompletionQueue allocates an (unbounded, growable) completion queue.
func NewCompletionQueue() *CompletionQueue {
	return &CompletionQueue{}
}

func (cq *CompletionQueue) push(wc WorkCompletion) {
	cq.mu.Lock()
	cq.pend = append(cq.pend, wc)
	cq.mu.Unlock()
}

// Poll drains up to max pending completions. max <= 0 drains everything
// currently queued. Never blocks; the reactor calls it once per loop tick.
func (cq *CompletionQueue) Poll(max int) []WorkCompletion {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if len(cq.pend) == 0 {
		return nil
	}
	n := len(cq.pend)
	if max > 0 && max < n {
		n = max
	}
	out := make([]WorkCompletion, n)
	copy(out, cq.pend[:n])
	cq.pend = cq.pend[n:]
	return out
}

// SharedReceiveQueue permits many queue pairs to consume receive work
// requests from one pool. The loopback device never needs real receive
// buffers (see ibv/qp.go Pump), so this type only carries identity for
// interface parity with a cgo-backed implementation.
type SharedReceiveQueue struct {
	pd *ProtectionDomain
}

// AllocSRQ allocates a shared receive queue bound to pd.
func (pd *ProtectionDomain) AllocSRQ() (*SharedReceiveQueue, error) {
	return &SharedReceiveQueue{pd: pd}, nil
}
