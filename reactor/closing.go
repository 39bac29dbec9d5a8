// File: reactor/closing.go
// Author: momentics <momentics@gmail.com>
//
// ClosingEmitter is the process-wide shutdown signal a connection may
// subscribe to so it tears itself down when the reactor (and therefore
// the whole process's RDMA device) is going away.
package reactor

import "sync"

// ClosingEmitter broadcasts a single shutdown event, once.
type ClosingEmitter struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

// NewClosingEmitter returns an emitter that has not fired yet.
func NewClosingEmitter() *ClosingEmitter {
	return &ClosingEmitter{ch: make(chan struct{})}
}

// Done returns a channel closed exactly once, when Close is first called.
func (c *ClosingEmitter) Done() <-chan struct{} {
	return c.ch
}

// Close fires the shutdown signal. Idempotent.
func (c *ClosingEmitter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
