// File: codec/frame.go
// Author: momentics <momentics@gmail.com>
//
// Length-prefixed framing for the "framed" read/write flavour of the
// connection core. Grounded on the teacher's protocol/frame_codec.go
// (fixed-size header, explicit max-payload guard against resource
// exhaustion), narrowed from a variable-length WebSocket frame header to
// a single fixed-width length prefix: a Frame only needs to
// marshal/unmarshal itself, with the transport owning the length prefix.

package codec

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size, in bytes, of the length prefix ahead of every
// framed payload on the wire.
const HeaderLen = 4

// MaxPayload bounds a single framed object, guarding against a corrupt
// or adversarial length prefix driving an unbounded allocation.
const MaxPayload = 64 << 20 // 64 MiB

// Frame is any payload that can be written or read as a framed object.
type Frame interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

// EncodeHeader writes the little-endian uint32 length prefix for a
// payload of length n into dst, which must be at least HeaderLen bytes.
func EncodeHeader(dst []byte, n uint32) {
	binary.LittleEndian.PutUint32(dst, n)
}

// DecodeHeader reads the payload length out of a HeaderLen-byte prefix.
func DecodeHeader(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// ValidateLength rejects a decoded length prefix that is implausible
// before the caller commits to waiting for that many bytes.
func ValidateLength(n uint32) error {
	if n > MaxPayload {
		return fmt.Errorf("codec: framed payload length %d exceeds maximum %d", n, MaxPayload)
	}
	return nil
}

// Encode marshals f and prepends its HeaderLen-byte length prefix,
// returning a single contiguous buffer ready to be copied into an
// outbox span.
func Encode(f Frame) ([]byte, error) {
	payload, err := f.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("codec: framed payload length %d exceeds maximum %d", len(payload), MaxPayload)
	}
	out := make([]byte, HeaderLen+len(payload))
	EncodeHeader(out, uint32(len(payload)))
	copy(out[HeaderLen:], payload)
	return out, nil
}

// Decode unmarshals a complete length-prefixed buffer (header plus
// exactly the advertised payload length) into f.
func Decode(f Frame, buf []byte) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("codec: buffer shorter than header")
	}
	n := DecodeHeader(buf)
	if err := ValidateLength(n); err != nil {
		return err
	}
	if uint32(len(buf)-HeaderLen) != n {
		return fmt.Errorf("codec: expected %d payload bytes, got %d", n, len(buf)-HeaderLen)
	}
	if err := f.UnmarshalBinary(buf[HeaderLen:]); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}
