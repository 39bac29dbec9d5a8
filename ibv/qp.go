// File: ibv/qp.go
// Author: momentics <momentics@gmail.com>
//
// QueuePair models an RC queue pair and its INIT -> RTR -> RTS -> ERROR
// transitions, the way breayhing-rdmahandler's handler.go InitServer/
// InitClient drive rdma_create_qp/rdma_connect/rdma_accept around a real
// cgo RDMA CM handle. The loopback Pump method stands in for the NIC
// actually moving bytes and raising completions.

package ibv

import (
	"fmt"
	"math/rand"
	"sync"
)

// QPState enumerates the queue pair transitions named in the spec.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	default:
		return "ERROR"
	}
}

// QueuePair is a reliable-connection queue pair.
type QueuePair struct {
	dev *Device
	pd  *ProtectionDomain
	cq  *CompletionQueue
	srq *SharedReceiveQueue

	mu      sync.Mutex
	qpn     uint32
	psn     uint32
	state   QPState
	peer    *QueuePair
	postq   []WorkRequest
}

// CreateQueuePair allocates an RC queue pair bound to cq (for both send
// and receive completions) and srq, in state RESET.
func (pd *ProtectionDomain) CreateQueuePair(cq *CompletionQueue, srq *SharedReceiveQueue) (*QueuePair, error) {
	qp := &QueuePair{
		dev:   pd.dev,
		pd:    pd,
		cq:    cq,
		srq:   srq,
		psn:   rand.Uint32() & 0xffffff,
		state: QPStateReset,
	}
	qp.qpn = pd.dev.fabric.registerQP(qp)
	return qp, nil
}

// Qpn returns the locally assigned queue-pair number, part of the setup
// blob sent to the peer.
func (qp *QueuePair) Qpn() uint32 { return qp.qpn }

// Psn returns the locally generated initial packet sequence number.
func (qp *QueuePair) Psn() uint32 { return qp.psn }

// LocalSetupInfo is the SetupInfo this end advertises over TCP.
func (qp *QueuePair) LocalSetupInfo() SetupInfo {
	return SetupInfo{LID: qp.dev.lid, QPN: qp.qpn, PSN: qp.psn}
}

// State reports the current transition state.
func (qp *QueuePair) State() QPState {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

// Init transitions RESET -> INIT.
func (qp *QueuePair) Init() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != QPStateReset {
		return fmt.Errorf("ibv: Init: invalid state %s", qp.state)
	}
	qp.state = QPStateInit
	return nil
}

// ReadyToReceive transitions INIT -> RTR using the peer's setup
// information, locating the peer queue pair on the shared fabric.
func (qp *QueuePair) ReadyToReceive(peer SetupInfo) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != QPStateInit {
		return fmt.Errorf("ibv: ReadyToReceive: invalid state %s", qp.state)
	}
	p := qp.dev.fabric.lookupQP(peer.LID, peer.QPN)
	if p == nil {
		return fmt.Errorf("ibv: ReadyToReceive: no peer qp at %s", peer)
	}
	qp.peer = p
	qp.state = QPStateRTR
	return nil
}

// ReadyToSend transitions RTR -> RTS.
func (qp *QueuePair) ReadyToSend() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != QPStateRTR {
		return fmt.Errorf("ibv: ReadyToSend: invalid state %s", qp.state)
	}
	qp.state = QPStateRTS
	return nil
}

// ToError transitions to ERROR. Any work request still sitting unpumped
// in the post queue will be flushed back as a failed completion the next
// time Pump runs, preserving its wr_id so the caller can classify it.
func (qp *QueuePair) ToError() error {
	qp.mu.Lock()
	qp.state = QPStateError
	qp.mu.Unlock()
	return nil
}

// Post enqueues a work request on the send queue. It only fails if the
// queue pair is not in RTS (or ERROR, where it is accepted and flushed on
// the next Pump, matching a real NIC's behavior of draining the queue
// after a transition to error).
func (qp *QueuePair) Post(wr WorkRequest) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != QPStateRTS && qp.state != QPStateError {
		return fmt.Errorf("ibv: Post: queue pair not ready (state %s)", qp.state)
	}
	qp.postq = append(qp.postq, wr)
	return nil
}

// Pump processes every work request posted since the last Pump, copying
// bytes for RDMA writes and raising local and (for data-plane opcodes)
// peer completions. It must run on the single loop thread, between Post
// calls and CompletionQueue.Poll, so that a ToError transition followed
// by Pump deterministically flushes rather than completes successfully.
func (qp *QueuePair) Pump() {
	qp.mu.Lock()
	pending := qp.postq
	qp.postq = nil
	state := qp.state
	fabric := qp.dev.fabric
	qpn := qp.qpn
	peer := qp.peer
	cq := qp.cq
	qp.mu.Unlock()

	for _, wr := range pending {
		if state == QPStateError {
			cq.push(WorkCompletion{WRID: wr.WRID, QPN: qpn, Status: StatusWRFlushErr, Opcode: wr.Opcode})
			continue
		}
		switch wr.Opcode {
		case OpcodeRDMAWrite:
			deliverWrite(fabric, cq, peer, qpn, wr)
		case OpcodeSend:
			deliverAck(cq, peer, qpn, wr)
		default:
			cq.push(WorkCompletion{WRID: wr.WRID, QPN: qpn, Status: StatusFatal, Opcode: wr.Opcode})
		}
	}
}

func deliverWrite(fabric *Fabric, localCQ *CompletionQueue, peer *QueuePair, qpn uint32, wr WorkRequest) {
	if peer == nil {
		localCQ.push(WorkCompletion{WRID: wr.WRID, QPN: qpn, Status: StatusFatal, Opcode: wr.Opcode})
		return
	}
	remoteMR := fabric.lookupMR(wr.RKey)
	localMR := fabric.lookupLKey(wr.LKey)
	if remoteMR == nil || localMR == nil {
		localCQ.push(WorkCompletion{WRID: wr.WRID, QPN: qpn, Status: StatusRemoteAccessErr, Opcode: wr.Opcode})
		return
	}
	localOff := wr.LocalAddr - localMR.Addr()
	remoteOff := wr.RemoteAddr - remoteMR.Addr()
	if localOff+uint64(wr.LocalLen) > uint64(len(localMR.Bytes())) ||
		remoteOff+uint64(wr.LocalLen) > uint64(len(remoteMR.Bytes())) {
		localCQ.push(WorkCompletion{WRID: wr.WRID, QPN: qpn, Status: StatusLocalLengthErr, Opcode: wr.Opcode})
		return
	}
	copy(remoteMR.Bytes()[remoteOff:remoteOff+uint64(wr.LocalLen)], localMR.Bytes()[localOff:localOff+uint64(wr.LocalLen)])

	localCQ.push(WorkCompletion{WRID: wr.WRID, QPN: qpn, Status: StatusSuccess, Opcode: OpcodeRDMAWrite})
	peer.cq.push(WorkCompletion{QPN: peer.qpn, Status: StatusSuccess, Opcode: OpcodeRecvRDMAWithImm, ImmData: wr.ImmData})
}

func deliverAck(localCQ *CompletionQueue, peer *QueuePair, qpn uint32, wr WorkRequest) {
	if peer == nil {
		localCQ.push(WorkCompletion{WRID: wr.WRID, QPN: qpn, Status: StatusFatal, Opcode: wr.Opcode})
		return
	}
	localCQ.push(WorkCompletion{WRID: wr.WRID, QPN: qpn, Status: StatusSuccess, Opcode: OpcodeSend})
	peer.cq.push(WorkCompletion{QPN: peer.qpn, Status: StatusSuccess, Opcode: OpcodeRecv, ImmData: wr.ImmData})
}
