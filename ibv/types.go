// File: ibv/types.go
// Author: momentics <momentics@gmail.com>
//
// Wire and in-process types shared by the verbs facade.

package ibv

import "fmt"

// AccessFlags mirrors the ibv_access_flags bitmask used when registering a
// memory region.
type AccessFlags int

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// Opcode classifies a work completion the way ibv_wc_opcode does.
type Opcode int

const (
	// OpcodeRDMAWrite is the local, signaled completion of a posted
	// RDMA_WRITE_WITH_IMM send-queue request (onWriteCompleted).
	OpcodeRDMAWrite Opcode = iota
	// OpcodeSend is the local completion of a posted SEND_WITH_IMM ack
	// request (onAckCompleted).
	OpcodeSend
	// OpcodeRecvRDMAWithImm is a shared-receive-queue completion for an
	// incoming RDMA write with immediate from the peer (onRemoteProducedData).
	OpcodeRecvRDMAWithImm
	// OpcodeRecv is a shared-receive-queue completion for an incoming
	// ack send with immediate from the peer (onRemoteConsumedData).
	OpcodeRecv
)

func (o Opcode) String() string {
	switch o {
	case OpcodeRDMAWrite:
		return "RDMA_WRITE_WITH_IMM"
	case OpcodeSend:
		return "SEND_WITH_IMM"
	case OpcodeRecvRDMAWithImm:
		return "RECV_RDMA_WITH_IMM"
	case OpcodeRecv:
		return "RECV"
	default:
		return "UNKNOWN"
	}
}

// Status mirrors ibv_wc_status; only Success is not an error.
type Status int

const (
	StatusSuccess Status = iota
	StatusWRFlushErr
	StatusRemoteAccessErr
	StatusRetryExcErr
	StatusLocalLengthErr
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWRFlushErr:
		return "work request flushed in error"
	case StatusRemoteAccessErr:
		return "remote access error"
	case StatusRetryExcErr:
		return "retry counter exceeded"
	case StatusLocalLengthErr:
		return "local length error"
	default:
		return "fatal error"
	}
}

// Well-known wr_id values. A failed work completion's opcode field is not
// reliably readable, so a small constant id per request class lets the
// completion handler decrement the right in-flight counter.
const (
	WriteRequestID uint64 = 1
	AckRequestID   uint64 = 2
)

// SetupInfo is the IB address/queue-pair information exchanged during the
// TCP handshake. GID is only meaningful on real IB fabrics; the loopback
// device locates the peer queue pair by (LID, QPN).
type SetupInfo struct {
	LID uint16
	QPN uint32
	PSN uint32
	GID [16]byte
}

func (s SetupInfo) String() string {
	return fmt.Sprintf("lid=%d qpn=%d psn=%d", s.LID, s.QPN, s.PSN)
}

// WorkRequest describes one post to a queue pair's send side.
type WorkRequest struct {
	WRID       uint64
	Opcode     Opcode
	LocalAddr  uint64
	LocalLen   uint32
	LKey       uint32
	RemoteAddr uint64
	RKey       uint32
	ImmData    uint32
}

// WorkCompletion mirrors ibv_wc.
type WorkCompletion struct {
	WRID    uint64
	QPN     uint32
	Status  Status
	Opcode  Opcode
	ImmData uint32
}
