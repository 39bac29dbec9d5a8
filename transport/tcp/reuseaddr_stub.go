//go:build !linux

// File: transport/tcp/reuseaddr_stub.go
// Author: momentics <momentics@gmail.com>
package tcp

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
