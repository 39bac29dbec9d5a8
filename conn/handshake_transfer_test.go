//go:build linux

// File: conn/handshake_transfer_test.go
// Author: momentics <momentics@gmail.com>
//
// Exercises the short-read/short-write branches of the setup-blob
// handshake (spec §4.3) directly, by driving recvSetupBlob/handleWritable
// against a real pipe whose non-blocking read/write lands fewer bytes
// than the setup blob's fixed size.
package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ibvtransport/ibvconn/ibv"
	"github.com/ibvtransport/ibvconn/internal/xlog"
	"github.com/ibvtransport/ibvconn/loop"
)

func newTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l, err := loop.New(xlog.New("test"), 64)
	require.NoError(t, err)
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

func TestRecvSetupBlobShortRead(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	// r is closed by setError's teardown once recvSetupBlob latches the
	// short-read error below.

	partial := setupBlobSize - 5
	n, err := unix.Write(w, make([]byte, partial))
	require.NoError(t, err)
	require.Equal(t, partial, n)
	require.NoError(t, unix.Close(w))

	l := newTestLoop(t)
	c := newConnection(nil, l, defaultOptions())
	c.fd = r
	c.state = StateRecvAddr

	c.recvSetupBlob()

	require.NotNil(t, c.err)
	require.Equal(t, KindShortRead, c.err.Kind)
	require.Equal(t, setupBlobSize, c.err.Expected)
	require.Equal(t, partial, c.err.Actual)
}

// TestHandleWritableShortWrite forces handleWritable's setup-blob write to
// land partially by pre-filling the pipe until only a few bytes of buffer
// space remain, so the non-blocking write(2) backing rawWrite necessarily
// returns fewer bytes than the blob's length.
func TestHandleWritableShortWrite(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	// w is closed by setError's teardown once handleWritable latches the
	// short-write error below; only r needs an explicit cleanup.
	t.Cleanup(func() { unix.Close(r) })

	capacity, err := unix.FcntlInt(uintptr(w), unix.F_GETPIPE_SZ, 0)
	require.NoError(t, err)

	const wantFree = 10
	require.Greater(t, capacity, wantFree+setupBlobSize, "pipe too small to leave room for a partial write")
	filled := 0
	for filled < capacity-wantFree {
		n, werr := unix.Write(w, make([]byte, capacity-wantFree-filled))
		require.NoError(t, werr)
		filled += n
	}

	fabric := ibv.NewFabric()
	dev, err := ibv.OpenDevice(fabric)
	require.NoError(t, err)
	pd, err := dev.AllocPD()
	require.NoError(t, err)
	srq, err := pd.AllocSRQ()
	require.NoError(t, err)
	qp, err := pd.CreateQueuePair(ibv.NewCompletionQueue(), srq)
	require.NoError(t, err)
	mr, err := pd.Register(make([]byte, 4096), ibv.AccessLocalWrite|ibv.AccessRemoteWrite)
	require.NoError(t, err)

	l := newTestLoop(t)
	c := newConnection(nil, l, defaultOptions())
	c.fd = w
	c.state = StateSendAddr
	c.qp = qp
	c.inboxMR = mr

	c.handleWritable()

	require.NotNil(t, c.err)
	require.Equal(t, KindShortWrite, c.err.Kind)
	require.Equal(t, setupBlobSize, c.err.Expected)
	require.Equal(t, wantFree, c.err.Actual)
}
