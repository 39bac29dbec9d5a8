//go:build !linux

// File: conn/ringbuffer_other.go
// Author: momentics <momentics@gmail.com>
//
// Non-Linux fallback: no anonymous-mapping syscall wired for this
// platform (like transport/tcp/reuseaddr_stub.go, which also falls back
// to the simplest portable behavior on !linux), so the inbox/outbox
// buffers come from the Go heap instead of an explicit mapping.
package conn

func allocRingBuffer(size int) ([]byte, bool) {
	return make([]byte, size), false
}

func releaseRingBuffer(data []byte, mapped bool) {}
