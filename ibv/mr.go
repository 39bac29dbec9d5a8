// File: ibv/mr.go
// Author: momentics <momentics@gmail.com>
//
// MemoryRegion registers a page-aligned buffer with the device, producing
// the local and remote keys used to address it from work requests.
// Grounded on Liquidzk-rdma-gateway's ensureMR/rdma_reg_mr pattern,
// generalized to take explicit access flags instead of a fixed
// LOCAL_WRITE-only registration.

package ibv

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

var keyCounter uint32

// MemoryRegion is a registered, pinned range of process memory.
type MemoryRegion struct {
	pd     *ProtectionDomain
	buf    []byte
	access AccessFlags
	lkey   uint32
	rkey   uint32
	addr   uint64
}

// Register pins buf with the given access flags and assigns it local and
// (if AccessRemoteWrite is set) remote keys.
func (pd *ProtectionDomain) Register(buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("ibv: cannot register empty buffer")
	}
	mr := &MemoryRegion{
		pd:     pd,
		buf:    buf,
		access: access,
		lkey:   atomic.AddUint32(&keyCounter, 1),
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	pd.dev.fabric.publishLKey(mr.lkey, mr)
	if access&AccessRemoteWrite != 0 {
		mr.rkey = atomic.AddUint32(&keyCounter, 1)
		pd.dev.fabric.publish(mr.rkey, mr)
	}
	return mr, nil
}

// Addr is the 64-bit virtual address carried in the setup blob.
func (mr *MemoryRegion) Addr() uint64 { return mr.addr }

// LKey authorises local (source-side) use of this region in a work request.
func (mr *MemoryRegion) LKey() uint32 { return mr.lkey }

// RKey authorises remote RDMA writes into this region; zero if the region
// was not registered with AccessRemoteWrite.
func (mr *MemoryRegion) RKey() uint32 { return mr.rkey }

// Bytes exposes the registered buffer for local reads/writes by the owner.
func (mr *MemoryRegion) Bytes() []byte { return mr.buf }

// Deregister releases the region. Remote keys must not be dereferenced by
// the peer afterwards; callers are responsible for ensuring no work
// requests referencing this MR remain in flight (spec invariant 7).
func (mr *MemoryRegion) Deregister() error {
	mr.pd.dev.fabric.unpublishLKey(mr.lkey)
	if mr.rkey != 0 {
		mr.pd.dev.fabric.unpublish(mr.rkey)
	}
	return nil
}
