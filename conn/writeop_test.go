// File: conn/writeop_test.go
// Author: momentics <momentics@gmail.com>
package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteOperationRemainingAndDone(t *testing.T) {
	op := &writeOperation{data: []byte("hello")}
	require.False(t, op.done())
	require.Equal(t, 5, op.remaining())

	op.sent = 3
	require.False(t, op.done())
	require.Equal(t, 2, op.remaining())

	op.sent = 5
	require.True(t, op.done())
	require.Equal(t, 0, op.remaining())
}
