//go:build windows

// File: conn/rawsock_windows.go
// Author: momentics <momentics@gmail.com>
//
// The handshake's raw-fd path is not implemented on Windows; it is
// stubbed out purely so the module still builds there, mirroring the
// teacher's reactor_windows.go IOCP stub.
package conn

import (
	"fmt"
	"net"
)

func extractFD(c net.Conn) (int, error) {
	return -1, fmt.Errorf("conn: raw socket I/O is not supported on windows")
}

func setNonblock(fd int) error { return nil }

func closeFD(fd int) error { return nil }

func rawRead(fd int, buf []byte) (int, bool, error) {
	return 0, false, fmt.Errorf("conn: raw socket I/O is not supported on windows")
}

func rawWrite(fd int, buf []byte) (int, bool, error) {
	return 0, false, fmt.Errorf("conn: raw socket I/O is not supported on windows")
}

func socketError(fd int) error {
	return fmt.Errorf("conn: raw socket I/O is not supported on windows")
}
