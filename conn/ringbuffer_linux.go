//go:build linux

// File: conn/ringbuffer_linux.go
// Author: momentics <momentics@gmail.com>
//
// Page-aligned inbox/outbox allocation (spec §4.2 step 3: "page-aligned
// 2 MiB buffers for inbox and outbox, anonymous private mappings").
// Grounded on the teacher's pool/bufferpool_linux.go linuxAlloc/
// linuxRelease: mmap an anonymous private region sized to the 2 MiB
// hugepage boundary, falling back to a plain hugepage-less mapping and
// finally to the Go heap only if both mmap attempts fail.
package conn

import "golang.org/x/sys/unix"

func allocRingBuffer(size int) ([]byte, bool) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_HUGETLB)
	if err == nil {
		return data, true
	}
	data, err = unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err == nil {
		return data, true
	}
	return make([]byte, size), false
}

func releaseRingBuffer(data []byte, mapped bool) {
	if mapped {
		unix.Munmap(data)
	}
}
