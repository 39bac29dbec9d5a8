// File: ibv/fabric.go
// Author: momentics <momentics@gmail.com>
//
// Fabric is the loopback substitute for the physical IB switch: it routes
// an RDMA write posted against a remote key to the MemoryRegion that
// registered that key, and routes a queue pair's traffic to its RTR peer
// by (LID, QPN). Real deployments replace the whole ibv package with a
// cgo-backed one and do not need a Fabric.

package ibv

import "sync"

// Fabric is safe for concurrent use; every Device opened against the same
// Fabric can address every other Device's registered remote keys and
// queue pairs.
type Fabric struct {
	mu    sync.Mutex
	mrs   map[uint32]*MemoryRegion
	lkeys map[uint32]*MemoryRegion
	qps   map[uint64]*QueuePair // key: lid<<32 | qpn
	qpSeq uint32
}

// NewFabric allocates an empty loopback fabric.
func NewFabric() *Fabric {
	return &Fabric{
		mrs:   make(map[uint32]*MemoryRegion),
		lkeys: make(map[uint32]*MemoryRegion),
		qps:   make(map[uint64]*QueuePair),
	}
}

func (f *Fabric) publish(rkey uint32, mr *MemoryRegion) {
	f.mu.Lock()
	f.mrs[rkey] = mr
	f.mu.Unlock()
}

func (f *Fabric) unpublish(rkey uint32) {
	f.mu.Lock()
	delete(f.mrs, rkey)
	f.mu.Unlock()
}

func (f *Fabric) lookupMR(rkey uint32) *MemoryRegion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mrs[rkey]
}

func (f *Fabric) publishLKey(lkey uint32, mr *MemoryRegion) {
	f.mu.Lock()
	f.lkeys[lkey] = mr
	f.mu.Unlock()
}

func (f *Fabric) unpublishLKey(lkey uint32) {
	f.mu.Lock()
	delete(f.lkeys, lkey)
	f.mu.Unlock()
}

func (f *Fabric) lookupLKey(lkey uint32) *MemoryRegion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lkeys[lkey]
}

func qpKey(lid uint16, qpn uint32) uint64 {
	return uint64(lid)<<32 | uint64(qpn)
}

func (f *Fabric) registerQP(qp *QueuePair) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qpSeq++
	qpn := f.qpSeq
	f.qps[qpKey(qp.dev.lid, qpn)] = qp
	return qpn
}

func (f *Fabric) lookupQP(lid uint16, qpn uint32) *QueuePair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qps[qpKey(lid, qpn)]
}
