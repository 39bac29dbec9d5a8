// File: conn/handshake.go
// Author: momentics <momentics@gmail.com>
//
// Setup blob encode/decode (spec §3 "Setup blob", §6 "Wire format").
// Per original_source/tensorpipe/transport/ibv/connection.cc's Exchange
// struct, this is QP address/setup information plus the inbox's virtual
// address and remote key, written/read in a single call with the local
// machine's byte order. This module fixes little-endian as that
// representation (see SPEC_FULL.md §3.1 and the open endianness
// question in spec.md §9, left unresolved as instructed).
package conn

import "encoding/binary"

// setupBlobSize is the fixed wire size: LID(2) QPN(4) PSN(4) GID(16)
// inbox addr(8) inbox rkey(4).
const setupBlobSize = 2 + 4 + 4 + 16 + 8 + 4

type peerSetup struct {
	lid       uint16
	qpn       uint32
	psn       uint32
	gid       [16]byte
	inboxAddr uint64
	inboxRKey uint32
}

func encodeSetupBlob(lid uint16, qpn, psn uint32, gid [16]byte, inboxAddr uint64, inboxRKey uint32) []byte {
	buf := make([]byte, setupBlobSize)
	binary.LittleEndian.PutUint16(buf[0:2], lid)
	binary.LittleEndian.PutUint32(buf[2:6], qpn)
	binary.LittleEndian.PutUint32(buf[6:10], psn)
	copy(buf[10:26], gid[:])
	binary.LittleEndian.PutUint64(buf[26:34], inboxAddr)
	binary.LittleEndian.PutUint32(buf[34:38], inboxRKey)
	return buf
}

func decodeSetupBlob(buf []byte) peerSetup {
	var p peerSetup
	p.lid = binary.LittleEndian.Uint16(buf[0:2])
	p.qpn = binary.LittleEndian.Uint32(buf[2:6])
	p.psn = binary.LittleEndian.Uint32(buf[6:10])
	copy(p.gid[:], buf[10:26])
	p.inboxAddr = binary.LittleEndian.Uint64(buf[26:34])
	p.inboxRKey = binary.LittleEndian.Uint32(buf[34:38])
	return p
}
