package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(make([]byte, 100))
	require.Error(t, err)
}

func TestProduceConsumeRoundTrip(t *testing.T) {
	r, err := New(make([]byte, 16))
	require.NoError(t, err)

	spans, err := r.ProduceReserve(5)
	require.NoError(t, err)
	require.Equal(t, 5, CopySpans(spans, []byte("hello")))
	r.ProduceCommit(5)
	require.EqualValues(t, 5, r.Head())
	require.EqualValues(t, 5, r.Occupancy())

	spans, err = r.ConsumePeek(0, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(SpansToBytes(spans)))
	r.ConsumeCommit(5)
	require.EqualValues(t, 5, r.Tail())
	require.EqualValues(t, 0, r.Occupancy())
}

func TestWraparoundSpans(t *testing.T) {
	r, err := New(make([]byte, 8))
	require.NoError(t, err)

	spans, err := r.ProduceReserve(6)
	require.NoError(t, err)
	CopySpans(spans, []byte("abcdef"))
	r.ProduceCommit(6)

	spans, err = r.ConsumePeek(0, 6)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(SpansToBytes(spans)))
	r.ConsumeCommit(6)

	// Now head=tail=6; reserve 6 more bytes, which must wrap past the
	// 8-byte boundary and produce two spans.
	spans, err = r.ProduceReserve(6)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	CopySpans(spans, []byte("ghijkl"))
	r.ProduceCommit(6)

	spans, err = r.ConsumePeek(0, 6)
	require.NoError(t, err)
	require.Equal(t, "ghijkl", string(SpansToBytes(spans)))
}

func TestReserveFailsWhenFull(t *testing.T) {
	r, err := New(make([]byte, 4))
	require.NoError(t, err)
	_, err = r.ProduceReserve(4)
	require.NoError(t, err)
	r.ProduceCommit(4)
	_, err = r.ProduceReserve(1)
	require.Error(t, err)
}

func TestPeekSkipAndCancelSemantics(t *testing.T) {
	r, err := New(make([]byte, 16))
	require.NoError(t, err)
	spans, _ := r.ProduceReserve(10)
	CopySpans(spans, []byte("0123456789"))
	r.ProduceCommit(10)

	// Simulate numBytesInFlight=4: skip over in-flight bytes, peek the rest.
	spans, err = r.ConsumePeek(4, 6)
	require.NoError(t, err)
	require.Equal(t, "456789", string(SpansToBytes(spans)))

	// Cancelling means simply not calling ConsumeCommit: tail is unmoved.
	require.EqualValues(t, 0, r.Tail())
}

func TestConsumePeekFailsWhenUnderOccupied(t *testing.T) {
	r, err := New(make([]byte, 16))
	require.NoError(t, err)
	spans, _ := r.ProduceReserve(3)
	CopySpans(spans, []byte("abc"))
	r.ProduceCommit(3)

	_, err = r.ConsumePeek(0, 4)
	require.Error(t, err)
}
