// File: conn/handshake_test.go
// Author: momentics <momentics@gmail.com>
package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupBlobRoundTrip(t *testing.T) {
	gid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	blob := encodeSetupBlob(42, 7, 99, gid, 0xdeadbeef, 0xcafef00d)
	require.Len(t, blob, setupBlobSize)

	p := decodeSetupBlob(blob)
	require.EqualValues(t, 42, p.lid)
	require.EqualValues(t, 7, p.qpn)
	require.EqualValues(t, 99, p.psn)
	require.Equal(t, gid, p.gid)
	require.EqualValues(t, 0xdeadbeef, p.inboxAddr)
	require.EqualValues(t, 0xcafef00d, p.inboxRKey)
}

func TestSetupBlobSizeMatchesWireLayout(t *testing.T) {
	require.Equal(t, 2+4+4+16+8+4, setupBlobSize)
}
