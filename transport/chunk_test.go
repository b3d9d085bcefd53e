package transport

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/opd-ai/meshtalk/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestChunkHeaderWireFormat(t *testing.T) {
	id := TransactionID{0: 0xAA, 15: 0xBB}
	buf := make([]byte, limits.ChunkHeaderSize)
	ChunkHeader{TransactionID: id, Sequence: 0x0102, Total: 0x0304}.MarshalTo(buf)

	assert.Equal(t, byte(0xAA), buf[0])
	assert.Equal(t, byte(0xBB), buf[15])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf[16:20])

	h, body, err := ParseDatagram(buf)
	require.NoError(t, err)
	assert.Equal(t, id, h.TransactionID)
	assert.Equal(t, uint16(0x0102), h.Sequence)
	assert.Equal(t, uint16(0x0304), h.Total)
	assert.Empty(t, body)
}

func TestParseDatagramRejectsInvalidHeaders(t *testing.T) {
	_, _, err := ParseDatagram(make([]byte, limits.ChunkHeaderSize-1))
	assert.ErrorIs(t, err, ErrShortDatagram)

	buf := make([]byte, limits.ChunkHeaderSize)
	ChunkHeader{Sequence: 2, Total: 2}.MarshalTo(buf)
	_, _, err = ParseDatagram(buf)
	assert.ErrorIs(t, err, ErrInvalidHeader)

	ChunkHeader{Sequence: 0, Total: 0}.MarshalTo(buf)
	_, _, err = ParseDatagram(buf)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

// TestSplitReassembleRoundTrip checks reassemble(chunk(p)) == p for sizes
// spanning zero, one and many multiples of the chunk size, with chunks fed
// in reverse order.
func TestSplitReassembleRoundTrip(t *testing.T) {
	const chunkSize = limits.MaxChunkPayload
	sizes := []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1, 3 * chunkSize, 7*chunkSize + 13}

	for _, size := range sizes {
		payload := randomPayload(t, size)
		datagrams, err := SplitPayload(TransactionID{byte(size), byte(size >> 8), 1}, payload, chunkSize)
		require.NoError(t, err, "size %d", size)
		require.Len(t, datagrams, limits.ChunkCount(size, chunkSize))

		for _, dg := range datagrams {
			assert.LessOrEqual(t, len(dg), limits.MaxDatagram)
		}

		r := NewReassembler(NewProcessedSet(16, time.Minute), 30*time.Second, 0)
		now := time.Now()
		var got []byte
		completed := 0
		for i := len(datagrams) - 1; i >= 0; i-- {
			out, done, err := r.Accept(datagrams[i], now)
			require.NoError(t, err)
			if done {
				completed++
				got = out
			}
		}
		assert.Equal(t, 1, completed, "size %d", size)
		assert.True(t, bytes.Equal(payload, got), "size %d payload mismatch", size)
		assert.Equal(t, 0, r.Pending())
	}
}

func TestSplitPayloadValidation(t *testing.T) {
	_, err := SplitPayload(TransactionID{}, []byte("x"), 0)
	assert.ErrorIs(t, err, limits.ErrInvalidChunkSize)

	_, err = SplitPayload(TransactionID{}, make([]byte, 11), 10)
	assert.NoError(t, err)

	_, err = SplitPayload(TransactionID{}, make([]byte, 10*limits.MaxChunks+1), 10)
	assert.ErrorIs(t, err, limits.ErrPayloadTooLarge)
}
