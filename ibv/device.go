// File: ibv/device.go
// Author: momentics <momentics@gmail.com>
//
// Device and ProtectionDomain stand in for the opened RDMA device and its
// protection domain. Grounded on Liquidzk-rdma-gateway/internal/rdma/rdma.go's
// Conn, which owns one cgo ibv_context/ibv_pd pair per process: one Device
// here, one (or a handful of) ProtectionDomain scoping memory
// registrations and queue pairs.

package ibv

import (
	"fmt"
	"sync/atomic"
)

// Device represents an opened RDMA device. The loopback implementation
// needs no real hardware handle; it only hands out a Fabric used to route
// loopback traffic between queue pairs created against the same or a
// peered Device.
type Device struct {
	fabric *Fabric
	lid    uint16
}

var lidCounter uint32

// OpenDevice opens (or, here, simulates opening) the first RDMA device.
// Every Device created with the same Fabric can exchange RDMA writes with
// each other; devices backing two ends of one connection must share a
// Fabric, which is how tests and the demo CLI wire a client and a server
// together without real hardware.
func OpenDevice(fabric *Fabric) (*Device, error) {
	if fabric == nil {
		fabric = NewFabric()
	}
	lid := uint16(atomic.AddUint32(&lidCounter, 1))
	return &Device{fabric: fabric, lid: lid}, nil
}

// LID returns the local identifier advertised to peers during the
// handshake.
func (d *Device) LID() uint16 { return d.lid }

// AllocPD allocates a protection domain scoping future MR/QP objects.
func (d *Device) AllocPD() (*ProtectionDomain, error) {
	return &ProtectionDomain{dev: d}, nil
}

// ProtectionDomain scopes memory regions and queue pairs the way
// ibv_pd does.
type ProtectionDomain struct {
	dev *Device
}

func (pd *ProtectionDomain) String() string {
	return fmt.Sprintf("pd(dev lid=%d)", pd.dev.lid)
}
