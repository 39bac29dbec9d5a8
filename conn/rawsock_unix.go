//go:build !windows

// File: conn/rawsock_unix.go
// Author: momentics <momentics@gmail.com>
//
// Raw, non-blocking socket I/O for the handshake stage. The connection
// core needs to read/write the setup blob synchronously from the loop
// thread without ever blocking it, which net.Conn's buffered Read/Write
// cannot guarantee; grounded on the teacher's reactor_linux.go use of
// golang.org/x/sys/unix for direct syscalls.
package conn

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func extractFD(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("conn: %T does not expose a raw file descriptor", c)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

// rawRead performs one non-blocking read(2). wouldBlock is true if the
// call returned EAGAIN, in which case the caller should wait for the
// next readiness event and n/err are not meaningful.
func rawRead(fd int, buf []byte) (n int, wouldBlock bool, err error) {
	n, err = unix.Read(fd, buf)
	if errors.Is(err, unix.EAGAIN) {
		return 0, true, nil
	}
	return n, false, err
}

// rawWrite performs one non-blocking write(2); see rawRead for the
// wouldBlock contract.
func rawWrite(fd int, buf []byte) (n int, wouldBlock bool, err error) {
	n, err = unix.Write(fd, buf)
	if errors.Is(err, unix.EAGAIN) {
		return 0, true, nil
	}
	return n, false, err
}

// socketError fetches and clears SO_ERROR, the errno an EPOLLERR
// readiness event reports (spec §4.3).
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return syscall.Errno(errno)
}
