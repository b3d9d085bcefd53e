package limits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDatagramFitsEthernetMTU verifies a full datagram plus IPv4/UDP headers
// stays under a 1500 byte MTU.
func TestDatagramFitsEthernetMTU(t *testing.T) {
	const ipv4UDPOverhead = 20 + 8
	assert.LessOrEqual(t, MaxDatagram+ipv4UDPOverhead, 1500)
	assert.Equal(t, 20, ChunkHeaderSize)
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, ValidatePayload(nil))
	assert.NoError(t, ValidatePayload(make([]byte, MaxPayload)))

	err := ValidatePayload(make([]byte, MaxPayload+1))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}

func TestValidateFrame(t *testing.T) {
	cases := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrFrameEmpty},
		{"one byte", 1, nil},
		{"at limit", MaxProcessingBuffer, nil},
		{"over limit", MaxProcessingBuffer + 1, ErrPayloadTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFrame(make([]byte, tc.size))
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		n, size, want int
	}{
		{0, 1400, 1},
		{1, 1400, 1},
		{1400, 1400, 1},
		{1401, 1400, 2},
		{1400 * 3, 1400, 3},
		{10, 3, 4},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ChunkCount(tc.n, tc.size), "n=%d size=%d", tc.n, tc.size)
	}
}

func TestValidateChunkSize(t *testing.T) {
	assert.NoError(t, ValidateChunkSize(1))
	assert.NoError(t, ValidateChunkSize(MaxChunkPayload))
	assert.ErrorIs(t, ValidateChunkSize(0), ErrInvalidChunkSize)
	assert.ErrorIs(t, ValidateChunkSize(MaxChunkPayload+1), ErrInvalidChunkSize)
}

func TestMaxPayloadForChunkSize(t *testing.T) {
	assert.Equal(t, MaxPayload, MaxPayloadForChunkSize(MaxChunkPayload))
	assert.Equal(t, 10*MaxChunks, MaxPayloadForChunkSize(10))
}
