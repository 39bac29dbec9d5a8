//go:build !linux

// File: loop/poller_stub.go
// Author: momentics <momentics@gmail.com>
//
// Non-Linux fallback. This module's only fd readiness backend is the
// Linux epoll implementation in poller_linux.go; rather than synthesize
// a busy-polling substitute, New fails fast here the way the teacher's
// own reactor/reactor_stub.go does for unsupported platforms.
package loop

import "errors"

func newFDPoller() (fdPoller, error) {
	return nil, errors.New("loop: this platform is not supported")
}
