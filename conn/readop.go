// File: conn/readop.go
// Author: momentics <momentics@gmail.com>
//
// readOperation is the small per-request state machine draining bytes
// from the inbox across possibly multiple ring-buffer wraparounds (spec
// §4.4, "Read path"). It never touches the network itself; process is
// called repeatedly by the connection's processReadOperations loop with
// the live inbox ring until the operation reports it is done.
package conn

import (
	"fmt"

	"github.com/ibvtransport/ibvconn/codec"
	"github.com/ibvtransport/ibvconn/ringbuf"
)

type readKind int

const (
	readKindUnsized readKind = iota
	readKindSized
	readKindFramed
)

type readOperation struct {
	seq  uint64
	kind readKind

	unsizedCb  func([]byte, error)
	unsizedRes []byte

	sizedBuf []byte
	sizedCb  func([]byte, error)
	sizedGot int

	frame      codec.Frame
	framedCb   func(error)
	header     [codec.HeaderLen]byte
	headerGot  int
	haveLen    bool
	payloadLen uint32
	payload    []byte
	payloadGot int
}

func newUnsizedRead(seq uint64, cb func([]byte, error)) *readOperation {
	return &readOperation{seq: seq, kind: readKindUnsized, unsizedCb: cb}
}

func newSizedRead(seq uint64, buf []byte, cb func([]byte, error)) *readOperation {
	return &readOperation{seq: seq, kind: readKindSized, sizedBuf: buf, sizedCb: cb}
}

func newFramedRead(seq uint64, frame codec.Frame, cb func(error)) *readOperation {
	return &readOperation{seq: seq, kind: readKindFramed, frame: frame, framedCb: cb}
}

// finish invokes the operation's callback exactly once. err is nil on
// success.
func (op *readOperation) finish(err error) {
	switch op.kind {
	case readKindUnsized:
		if op.unsizedCb != nil {
			if err != nil {
				op.unsizedCb(nil, err)
			} else {
				op.unsizedCb(op.unsizedRes, nil)
			}
		}
	case readKindSized:
		if op.sizedCb != nil {
			if err != nil {
				op.sizedCb(nil, err)
			} else {
				op.sizedCb(op.sizedBuf[:op.sizedGot], nil)
			}
		}
	case readKindFramed:
		if op.framedCb != nil {
			op.framedCb(err)
		}
	}
}

// process attempts to make progress against ring using its currently
// available bytes. It returns the number of bytes committed out of the
// ring (the caller must ack exactly this many), whether the operation is
// now complete (successfully or with a structural error), and a non-nil
// error only for a structural decode failure (never for "not enough data
// yet", which is reported as complete=false, err=nil).
func (op *readOperation) process(ring *ringbuf.Ring) (consumed uint64, complete bool, operr error) {
	switch op.kind {
	case readKindUnsized:
		return op.processUnsized(ring)
	case readKindSized:
		return op.processSized(ring)
	case readKindFramed:
		return op.processFramed(ring)
	default:
		return 0, true, fmt.Errorf("conn: unknown read operation kind %d", op.kind)
	}
}

func (op *readOperation) processUnsized(ring *ringbuf.Ring) (uint64, bool, error) {
	occ := ring.Occupancy()
	if occ == 0 {
		return 0, false, nil
	}
	spans, err := ring.ConsumePeek(0, occ)
	if err != nil {
		return 0, true, err
	}
	data := ringbuf.SpansToBytes(spans)
	ring.ConsumeCommit(occ)
	op.unsizedRes = data
	return occ, true, nil
}

func (op *readOperation) processSized(ring *ringbuf.Ring) (uint64, bool, error) {
	remaining := uint64(len(op.sizedBuf) - op.sizedGot)
	if remaining == 0 {
		return 0, true, nil
	}
	occ := ring.Occupancy()
	if occ == 0 {
		return 0, false, nil
	}
	take := remaining
	if occ < take {
		take = occ
	}
	spans, err := ring.ConsumePeek(0, take)
	if err != nil {
		return 0, true, err
	}
	ringbuf.CopySpansInto(op.sizedBuf[op.sizedGot:], spans)
	ring.ConsumeCommit(take)
	op.sizedGot += int(take)
	return take, op.sizedGot == len(op.sizedBuf), nil
}

func (op *readOperation) processFramed(ring *ringbuf.Ring) (uint64, bool, error) {
	var consumed uint64
	for {
		if !op.haveLen {
			remaining := uint64(codec.HeaderLen - op.headerGot)
			occ := ring.Occupancy()
			if occ == 0 {
				return consumed, false, nil
			}
			take := remaining
			if occ < take {
				take = occ
			}
			spans, err := ring.ConsumePeek(0, take)
			if err != nil {
				return consumed, true, err
			}
			ringbuf.CopySpansInto(op.header[op.headerGot:], spans)
			ring.ConsumeCommit(take)
			consumed += take
			op.headerGot += int(take)
			if op.headerGot < codec.HeaderLen {
				return consumed, false, nil
			}
			n := codec.DecodeHeader(op.header[:])
			if err := codec.ValidateLength(n); err != nil {
				return consumed, true, err
			}
			op.payloadLen = n
			op.payload = make([]byte, n)
			op.haveLen = true
			if n == 0 {
				if err := op.frame.UnmarshalBinary(nil); err != nil {
					return consumed, true, fmt.Errorf("conn: unmarshal framed read: %w", err)
				}
				return consumed, true, nil
			}
			continue
		}

		remaining := uint64(int(op.payloadLen) - op.payloadGot)
		occ := ring.Occupancy()
		if occ == 0 {
			return consumed, false, nil
		}
		take := remaining
		if occ < take {
			take = occ
		}
		spans, err := ring.ConsumePeek(0, take)
		if err != nil {
			return consumed, true, err
		}
		ringbuf.CopySpansInto(op.payload[op.payloadGot:], spans)
		ring.ConsumeCommit(take)
		consumed += take
		op.payloadGot += int(take)
		if op.payloadGot < int(op.payloadLen) {
			return consumed, false, nil
		}
		if err := op.frame.UnmarshalBinary(op.payload); err != nil {
			return consumed, true, fmt.Errorf("conn: unmarshal framed read: %w", err)
		}
		return consumed, true, nil
	}
}
