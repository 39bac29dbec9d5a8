// File: codec/frame_test.go
// Author: momentics <momentics@gmail.com>
package codec_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ibvtransport/ibvconn/codec"
)

type stringFrame struct {
	s string
}

func (f *stringFrame) MarshalBinary() ([]byte, error) {
	return []byte(f.s), nil
}

func (f *stringFrame) UnmarshalBinary(b []byte) error {
	f.s = string(b)
	return nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := &stringFrame{s: "hello ibvconn"}
	wire, err := codec.Encode(src)
	require.NoError(t, err)
	require.Equal(t, uint32(len(src.s)), codec.DecodeHeader(wire))

	var dst stringFrame
	require.NoError(t, codec.Decode(&dst, wire))
	require.Equal(t, src.s, dst.s)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	var dst stringFrame
	err := codec.Decode(&dst, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf := make([]byte, codec.HeaderLen+2)
	codec.EncodeHeader(buf, 10)
	var dst stringFrame
	err := codec.Decode(&dst, buf)
	require.Error(t, err)
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	buf := make([]byte, codec.HeaderLen)
	codec.EncodeHeader(buf, codec.MaxPayload+1)
	require.Error(t, codec.ValidateLength(codec.DecodeHeader(buf)))
	var dst stringFrame
	require.ErrorContains(t, codec.Decode(&dst, buf), "exceeds maximum")
}

type failingFrame struct{}

func (f *failingFrame) MarshalBinary() ([]byte, error) { return nil, fmt.Errorf("boom") }
func (f *failingFrame) UnmarshalBinary([]byte) error   { return nil }

func TestEncodePropagatesMarshalError(t *testing.T) {
	_, err := codec.Encode(&failingFrame{})
	require.Error(t, err)
}
