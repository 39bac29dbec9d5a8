// File: conn/connection.go
// Author: momentics <momentics@gmail.com>
//
// Connection is the core of this module (spec §2, "Connection core",
// ~70% of the budget): it owns one queue pair, one inbox ring + memory
// region, one outbox ring + memory region, two operation queues, and the
// state machine driving all of it. Every method that is part of the
// public surface (Read*, Write*, SetID, Close) defers its work onto the
// loop goroutine; everything below init runs only on that goroutine,
// honoring invariant 1 ("at most one thread mutates any connection
// state").
package conn

import (
	"context"
	"fmt"
	"net"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/ibvtransport/ibvconn/codec"
	"github.com/ibvtransport/ibvconn/ibv"
	"github.com/ibvtransport/ibvconn/internal/xlog"
	"github.com/ibvtransport/ibvconn/loop"
	"github.com/ibvtransport/ibvconn/opqueue"
	"github.com/ibvtransport/ibvconn/reactor"
	"github.com/ibvtransport/ibvconn/ringbuf"
	"github.com/ibvtransport/ibvconn/transport/tcp"
)

// State is one of the four lifecycle stages named in spec §3.
type State int

const (
	StateInitializing State = iota
	StateSendAddr
	StateRecvAddr
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateSendAddr:
		return "SEND_ADDR"
	case StateRecvAddr:
		return "RECV_ADDR"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// ringCapacity is the compile-time inbox/outbox size: 2 MiB, a power of
// two (spec §3, "Ring buffer").
const ringCapacity = 2 << 20

// Connection is a point-to-point byte stream over one RC queue pair.
type Connection struct {
	reactor *reactor.Reactor
	loop    *loop.Loop
	log     zerolog.Logger
	id      string

	dialAddr string
	tcpConn  net.Conn
	fd       int

	state State
	err   *Error

	inbox    *ringbuf.Ring
	outbox   *ringbuf.Ring
	inboxMR  *ibv.MemoryRegion
	outboxMR *ibv.MemoryRegion
	qp       *ibv.QueuePair

	peerInboxAddr uint64
	peerInboxRKey uint32
	peerInboxHead uint64

	inboxBuf     []byte
	outboxBuf    []byte
	inboxMapped  bool
	outboxMapped bool

	numBytesInFlight   uint64
	numWritesInFlight  int
	numAcksInFlight    int
	cleanedUp          bool

	readQueue  *opqueue.Queue[*readOperation]
	writeQueue *opqueue.Queue[*writeOperation]

	nextReadSubmitSeq    uint64
	nextWriteSubmitSeq   uint64
	nextReadCallbackSeq  uint64
	nextWriteCallbackSeq uint64

	closingDone <-chan struct{}
	stopWatch   chan struct{}
}

func newConnection(rx *reactor.Reactor, l *loop.Loop, o options) *Connection {
	return &Connection{
		reactor:    rx,
		loop:       l,
		log:        xlog.New("conn").With().Str("id", o.id).Logger(),
		id:         o.id,
		fd:         -1,
		state:      StateInitializing,
		readQueue:  opqueue.New[*readOperation](),
		writeQueue: opqueue.New[*writeOperation](),
		stopWatch:  make(chan struct{}),
	}
}

// watchClosing subscribes to the reactor's process-wide shutdown signal
// and tears this connection down when it fires, the same way any other
// termination path reaches setError. It runs on its own goroutine
// because the emitter's Done channel cannot be observed from within the
// loop's task/poller select without a dedicated Pollable; stopWatch lets
// it exit once this connection has already cleaned up for another
// reason, so the goroutine does not outlive the connection.
func (c *Connection) watchClosing() {
	go func() {
		select {
		case <-c.closingDone:
			c.loop.DeferToLoop(func() { c.setError(ErrShuttingDown) })
		case <-c.stopWatch:
		}
	}()
}

// Dial constructs a client-side connection: a TCP socket is opened to
// addr as the first step of initialisation, which runs on the loop
// goroutine (spec §4.2).
func Dial(rx *reactor.Reactor, l *loop.Loop, addr string, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := newConnection(rx, l, o)
	c.dialAddr = addr
	c.closingDone = rx.ClosingEmitter().Done()
	c.watchClosing()
	l.DeferToLoop(c.init)
	return c
}

// Accept constructs a server-side connection from an already-connected
// TCP socket handed back by a listener.
func Accept(rx *reactor.Reactor, l *loop.Loop, tcpConn net.Conn, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := newConnection(rx, l, o)
	c.tcpConn = tcpConn
	c.closingDone = rx.ClosingEmitter().Done()
	c.watchClosing()
	l.DeferToLoop(c.init)
	return c
}

// init performs the initialisation sequence of spec §4.2, steps 1-7.
func (c *Connection) init() {
	if c.tcpConn == nil {
		conn, err := tcp.Dial(context.Background(), c.dialAddr)
		if err != nil {
			c.setError(SystemError("dial", err))
			return
		}
		c.tcpConn = conn
	}

	c.inboxBuf, c.inboxMapped = allocRingBuffer(ringCapacity)
	c.outboxBuf, c.outboxMapped = allocRingBuffer(ringCapacity)
	var err error
	if c.inbox, err = ringbuf.New(c.inboxBuf); err != nil {
		c.setError(SystemError("allocate inbox ring", err))
		return
	}
	if c.outbox, err = ringbuf.New(c.outboxBuf); err != nil {
		c.setError(SystemError("allocate outbox ring", err))
		return
	}

	pd := c.reactor.ProtectionDomain()
	if c.inboxMR, err = pd.Register(c.inboxBuf, ibv.AccessLocalWrite|ibv.AccessRemoteWrite); err != nil {
		c.setError(SystemError("register inbox memory region", err))
		return
	}
	if c.outboxMR, err = pd.Register(c.outboxBuf, 0); err != nil {
		c.setError(SystemError("register outbox memory region", err))
		return
	}

	if c.qp, err = c.reactor.CreateQueuePair(); err != nil {
		c.setError(SystemError("create queue pair", err))
		return
	}
	if err := c.qp.Init(); err != nil {
		c.setError(SystemError("queue pair init", err))
		return
	}
	c.reactor.RegisterQP(c.qp, c)

	fd, err := extractFD(c.tcpConn)
	if err != nil {
		c.setError(SystemError("extract socket descriptor", err))
		return
	}
	if err := setNonblock(fd); err != nil {
		c.setError(SystemError("set nonblocking", err))
		return
	}
	c.fd = fd

	c.state = StateSendAddr
	if err := c.loop.RegisterDescriptor(fd, loop.EventWrite, c.onSocketEvent); err != nil {
		c.setError(SystemError("register socket descriptor", err))
		return
	}
}

// onSocketEvent dispatches exactly one event class per call, in
// ERR/IN/OUT/HUP priority order (spec §4.3).
func (c *Connection) onSocketEvent(fd int, ev loop.FDEvent) {
	switch {
	case ev&loop.EventError != 0:
		c.setError(SystemError("socket", socketError(fd)))
	case ev&loop.EventRead != 0:
		c.handleReadable()
	case ev&loop.EventWrite != 0:
		c.handleWritable()
	case ev&loop.EventHup != 0:
		c.setError(ErrEOF)
	}
}

func (c *Connection) handleWritable() {
	if c.state != StateSendAddr {
		return
	}
	local := c.qp.LocalSetupInfo()
	blob := encodeSetupBlob(local.LID, local.QPN, local.PSN, local.GID, c.inboxMR.Addr(), c.inboxMR.RKey())
	n, wouldBlock, err := rawWrite(c.fd, blob)
	if err != nil {
		c.setError(SystemError("write setup blob", err))
		return
	}
	if wouldBlock {
		return
	}
	if n != len(blob) {
		c.setError(ShortWrite(len(blob), n))
		return
	}
	c.loop.UnregisterDescriptor(c.fd)
	if err := c.loop.RegisterDescriptor(c.fd, loop.EventRead, c.onSocketEvent); err != nil {
		c.setError(SystemError("register socket descriptor", err))
		return
	}
	c.state = StateRecvAddr
}

func (c *Connection) handleReadable() {
	switch c.state {
	case StateRecvAddr:
		c.recvSetupBlob()
	case StateEstablished:
		c.setError(ErrEOF)
	}
}

func (c *Connection) recvSetupBlob() {
	buf := make([]byte, setupBlobSize)
	n, wouldBlock, err := rawRead(c.fd, buf)
	if err != nil {
		c.setError(SystemError("read setup blob", err))
		return
	}
	if wouldBlock {
		return
	}
	if n == 0 {
		c.setError(ErrEOF)
		return
	}
	if n != len(buf) {
		c.setError(ShortRead(len(buf), n))
		return
	}
	peer := decodeSetupBlob(buf)
	peerInfo := ibv.SetupInfo{LID: peer.lid, QPN: peer.qpn, PSN: peer.psn, GID: peer.gid}
	if err := c.qp.ReadyToReceive(peerInfo); err != nil {
		c.setError(SystemError("queue pair ready-to-receive", err))
		return
	}
	if err := c.qp.ReadyToSend(); err != nil {
		c.setError(SystemError("queue pair ready-to-send", err))
		return
	}
	c.peerInboxAddr = peer.inboxAddr
	c.peerInboxRKey = peer.inboxRKey
	c.state = StateEstablished
	c.log.Debug().Uint32("peer_qpn", peer.qpn).Msg("connection established")
	c.processReadOperations()
	c.processWriteOperations()
}

// Read delivers whatever bytes are next available, in one call (spec
// §4.4, "Unsized").
func (c *Connection) Read(cb func(data []byte, err error)) {
	c.loop.DeferToLoop(func() {
		c.enqueueRead(func(seq uint64) *readOperation { return newUnsizedRead(seq, cb) })
	})
}

// ReadN reads exactly len(buf) bytes into buf (spec §4.4, "Sized").
func (c *Connection) ReadN(buf []byte, cb func(data []byte, err error)) {
	c.loop.DeferToLoop(func() {
		c.enqueueRead(func(seq uint64) *readOperation { return newSizedRead(seq, buf, cb) })
	})
}

// ReadFrame decodes one length-prefixed object into frame (spec §4.4,
// "Framed").
func (c *Connection) ReadFrame(frame codec.Frame, cb func(err error)) {
	c.loop.DeferToLoop(func() {
		c.enqueueRead(func(seq uint64) *readOperation { return newFramedRead(seq, frame, cb) })
	})
}

func (c *Connection) enqueueRead(mk func(seq uint64) *readOperation) {
	seq := c.nextReadSubmitSeq
	c.nextReadSubmitSeq++
	op := mk(seq)
	if c.err != nil {
		c.completeRead(op, c.err)
		return
	}
	c.readQueue.PushBack(op)
	if c.state == StateEstablished {
		c.processReadOperations()
	}
}

// Write enqueues a raw byte write (spec §4.5). data is copied; the
// caller may reuse it immediately after this call returns.
func (c *Connection) Write(data []byte, cb func(err error)) {
	buf := append([]byte(nil), data...)
	c.loop.DeferToLoop(func() {
		c.enqueueWrite(buf, cb)
	})
}

// WriteFrame marshals frame and enqueues it as a length-prefixed write.
func (c *Connection) WriteFrame(frame codec.Frame, cb func(err error)) {
	c.loop.DeferToLoop(func() {
		wire, err := codec.Encode(frame)
		if err != nil {
			if cb != nil {
				cb(err)
			}
			return
		}
		c.enqueueWrite(wire, cb)
	})
}

func (c *Connection) enqueueWrite(data []byte, cb func(error)) {
	seq := c.nextWriteSubmitSeq
	c.nextWriteSubmitSeq++
	op := &writeOperation{seq: seq, data: data, cb: cb}
	if c.err != nil {
		c.completeWrite(op, c.err)
		return
	}
	c.writeQueue.PushBack(op)
	if c.state == StateEstablished {
		c.processWriteOperations()
	}
}

// SetID relabels the connection for logging; no behavioural effect.
func (c *Connection) SetID(id string) {
	c.loop.DeferToLoop(func() {
		c.id = id
		c.log = c.log.With().Str("id", id).Logger()
	})
}

// Close begins teardown (spec §4.7). Idempotent.
func (c *Connection) Close() {
	c.loop.DeferToLoop(func() {
		c.setError(ErrConnectionClosed)
	})
}

// processReadOperations drains the head of the read queue while it can
// make progress (spec §4.4).
func (c *Connection) processReadOperations() {
	for {
		op, ok := c.readQueue.Front()
		if !ok {
			return
		}
		consumed, complete, operr := op.process(c.inbox)
		if consumed > 0 {
			c.postAck(consumed)
		}
		if operr != nil {
			c.readQueue.PopFront()
			c.completeRead(op, operr)
			continue
		}
		if complete {
			c.readQueue.PopFront()
			c.completeRead(op, nil)
			continue
		}
		return
	}
}

// processWriteOperations drains the head of the write queue while it has
// bytes to send and the outbox has room (spec §4.5).
func (c *Connection) processWriteOperations() {
	for {
		op, ok := c.writeQueue.Front()
		if !ok {
			return
		}
		if op.done() {
			c.writeQueue.PopFront()
			c.completeWrite(op, nil)
			continue
		}
		free := c.outbox.Free()
		if free == 0 {
			return
		}
		remaining := uint64(op.remaining())
		take := remaining
		if free < take {
			take = free
		}

		spans, err := c.outbox.ProduceReserve(take)
		if err != nil {
			c.setError(SystemError("reserve outbox span", err))
			return
		}
		n := ringbuf.CopySpans(spans, op.data[op.sent:op.sent+int(take)])
		c.outbox.ProduceCommit(uint64(n))
		op.sent += n

		peekSpans, err := c.outbox.ConsumePeek(c.numBytesInFlight, uint64(n))
		if err != nil {
			c.setError(SystemError("peek outbox span", err))
			return
		}
		for _, sp := range peekSpans {
			if !c.postWriteSpan(sp) {
				return
			}
		}
		c.numBytesInFlight += uint64(n)

		if take < remaining {
			return
		}
	}
}

func (c *Connection) postAck(l uint64) {
	wr := ibv.WorkRequest{ImmData: uint32(l)}
	if err := c.reactor.PostAck(c.qp, wr); err != nil {
		c.setError(SystemError("post ack", err))
		return
	}
	c.numAcksInFlight++
}

func (c *Connection) postWriteSpan(sp ringbuf.Span) bool {
	wr := ibv.WorkRequest{
		LocalAddr:  spanAddr(c.outboxMR, sp),
		LocalLen:   uint32(len(sp)),
		LKey:       c.outboxMR.LKey(),
		RemoteAddr: c.peerInboxAddr + (c.peerInboxHead & (ringCapacity - 1)),
		RKey:       c.peerInboxRKey,
		ImmData:    uint32(len(sp)),
	}
	if err := c.reactor.PostWrite(c.qp, wr); err != nil {
		c.setError(SystemError("post write", err))
		return false
	}
	c.peerInboxHead += uint64(len(sp))
	c.numWritesInFlight++
	return true
}

func spanAddr(mr *ibv.MemoryRegion, sp ringbuf.Span) uint64 {
	buf := mr.Bytes()
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := uintptr(unsafe.Pointer(&sp[0])) - base
	return mr.Addr() + uint64(off)
}

// OnRemoteProducedData implements reactor.CompletionHandler: the peer's
// RDMA write landed in our inbox.
func (c *Connection) OnRemoteProducedData(length uint32) {
	c.inbox.ProduceCommit(uint64(length))
	c.processReadOperations()
}

// OnRemoteConsumedData implements reactor.CompletionHandler: the peer
// acked bytes it drained from our outbox.
func (c *Connection) OnRemoteConsumedData(length uint32) {
	c.outbox.ConsumeCommit(uint64(length))
	c.numBytesInFlight -= uint64(length)
	c.processWriteOperations()
}

// OnWriteCompleted implements reactor.CompletionHandler.
func (c *Connection) OnWriteCompleted() {
	c.numWritesInFlight--
	c.tryCleanup()
}

// OnAckCompleted implements reactor.CompletionHandler.
func (c *Connection) OnAckCompleted() {
	c.numAcksInFlight--
	c.tryCleanup()
}

// OnError implements reactor.CompletionHandler (spec §4.6). wrID
// discriminates which in-flight counter a failed completion belongs to,
// since a failed completion's opcode is not reliably readable.
func (c *Connection) OnError(status ibv.Status, wrID uint64) {
	switch wrID {
	case ibv.WriteRequestID:
		c.numWritesInFlight--
	case ibv.AckRequestID:
		c.numAcksInFlight--
	}
	c.setError(IbvError(status.String()))
	c.tryCleanup()
}

// setError latches the connection's first error (idempotent) and drives
// the teardown sequence of spec §4.7.
func (c *Connection) setError(err *Error) {
	if c.err != nil {
		return
	}
	c.err = err
	if err.Kind != KindConnectionClosed && err.Kind != KindShuttingDown {
		c.log.Error().Str("kind", err.Kind.String()).Err(err).Msg("connection error")
	}

	c.readQueue.Drain(func(op *readOperation) { c.completeRead(op, err) })
	c.writeQueue.Drain(func(op *writeOperation) { c.completeWrite(op, err) })

	if c.qp != nil {
		c.qp.ToError()
	}
	if c.fd >= 0 {
		c.loop.UnregisterDescriptor(c.fd)
		closeFD(c.fd)
		c.fd = -1
	}
	c.tryCleanup()
}

// tryCleanup defers cleanup onto the loop once both in-flight counters
// reach zero, per invariant 7. The defer lets the reactor finish
// draining its current completion batch before the queue pair and its
// memory regions are released.
func (c *Connection) tryCleanup() {
	if c.err == nil || c.cleanedUp {
		return
	}
	if c.numWritesInFlight != 0 || c.numAcksInFlight != 0 {
		return
	}
	c.cleanedUp = true
	c.loop.DeferToLoop(c.cleanup)
}

func (c *Connection) cleanup() {
	if c.qp != nil {
		c.reactor.UnregisterQP(c.qp.Qpn())
	}
	if c.inboxMR != nil {
		c.inboxMR.Deregister()
	}
	if c.outboxMR != nil {
		c.outboxMR.Deregister()
	}
	if c.inboxBuf != nil {
		releaseRingBuffer(c.inboxBuf, c.inboxMapped)
	}
	if c.outboxBuf != nil {
		releaseRingBuffer(c.outboxBuf, c.outboxMapped)
	}
	close(c.stopWatch)
	c.log.Debug().Msg("connection cleaned up")
}

func (c *Connection) completeRead(op *readOperation, err error) {
	if op.seq != c.nextReadCallbackSeq {
		panic(fmt.Sprintf("conn: read callback invoked out of order: got seq %d, want %d", op.seq, c.nextReadCallbackSeq))
	}
	c.nextReadCallbackSeq++
	op.finish(err)
}

func (c *Connection) completeWrite(op *writeOperation, err error) {
	if op.seq != c.nextWriteCallbackSeq {
		panic(fmt.Sprintf("conn: write callback invoked out of order: got seq %d, want %d", op.seq, c.nextWriteCallbackSeq))
	}
	c.nextWriteCallbackSeq++
	if op.cb != nil {
		op.cb(err)
	}
}
