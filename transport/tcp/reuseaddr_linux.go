//go:build linux

// File: transport/tcp/reuseaddr_linux.go
// Author: momentics <momentics@gmail.com>
//
// SO_REUSEADDR lets a restarted listener rebind a recently-used port
// immediately instead of waiting out TIME_WAIT. Grounded on the teacher's
// (now removed) transport/tcp/affinity_linux.go use of a raw syscall
// through a net.ListenConfig.Control callback.
package tcp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
