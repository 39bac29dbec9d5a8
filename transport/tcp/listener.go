// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp: listener and dialer. Adapted from the teacher's
// StartTCPListener accept-loop shape; the WebSocket upgrade handshake is
// gone, replaced by a plain handoff of the accepted net.Conn to the
// caller, which runs the setup-blob exchange itself.

package tcp

import (
	"context"
	"fmt"
	"net"
)

// ListenerConfig configures the out-of-band listener.
type ListenerConfig struct {
	Addr        string         // TCP address to bind (e.g., ":9001")
	ConnHandler func(net.Conn) // invoked per accepted connection
}

// StartTCPListener binds Addr with SO_REUSEADDR and runs the accept loop
// in a background goroutine, handing every accepted connection to
// cfg.ConnHandler. Returns the bound listener so the caller can Close it
// to stop accepting.
func StartTCPListener(cfg *ListenerConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", cfg.Addr, err)
	}
	go acceptLoop(ln, cfg.ConnHandler)
	return ln, nil
}

func acceptLoop(ln net.Listener, handler func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		setNoDelay(conn)
		go handler(conn)
	}
}

// Dial opens a plain TCP connection with SO_REUSEADDR set for the
// out-of-band handshake.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Control: reuseAddrControl}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	setNoDelay(conn)
	return conn, nil
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}
