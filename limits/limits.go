// Package limits provides centralized size limits for the meshtalk wire protocol.
package limits

import (
	"errors"
	"fmt"
)

const (
	// TransactionIDSize is the size of the random transaction identifier.
	TransactionIDSize = 16

	// ChunkHeaderSize is the size of the header prefixed to every datagram:
	// transaction ID, big-endian sequence number, big-endian total chunk count.
	ChunkHeaderSize = TransactionIDSize + 2 + 2

	// MaxChunkPayload is the default and maximum chunk body size.
	MaxChunkPayload = 1400

	// MaxDatagram is the largest datagram produced by the transport.
	MaxDatagram = MaxChunkPayload + ChunkHeaderSize

	// MaxChunks is the largest chunk count representable in the header.
	MaxChunks = 1<<16 - 1

	// MaxProcessingBuffer is the absolute maximum for a decoded protocol frame (1 MiB).
	MaxProcessingBuffer = 1024 * 1024

	// MaxPayload bounds a reassembled transaction. Every transaction carries
	// one protocol frame, so it shares the frame limit.
	MaxPayload = MaxProcessingBuffer
)

var (
	// ErrFrameEmpty indicates an empty frame was provided.
	ErrFrameEmpty = errors.New("empty frame")

	// ErrPayloadTooLarge indicates data exceeds the applicable maximum size.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidChunkSize indicates a chunk size outside (0, MaxChunkPayload].
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// ValidatePayload checks data against MaxPayload. Empty payloads are allowed.
func ValidatePayload(data []byte) error {
	if len(data) > MaxPayload {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(data), MaxPayload)
	}
	return nil
}

// ValidateFrame checks a protocol frame against MaxProcessingBuffer.
// Frames always carry at least a type byte, so empty input is rejected.
func ValidateFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if len(data) > MaxProcessingBuffer {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrPayloadTooLarge, len(data), MaxProcessingBuffer)
	}
	return nil
}

// ValidateChunkSize checks a configured chunk size.
func ValidateChunkSize(size int) error {
	if size <= 0 || size > MaxChunkPayload {
		return fmt.Errorf("%w: %d not in (0, %d]", ErrInvalidChunkSize, size, MaxChunkPayload)
	}
	return nil
}

// ChunkCount returns how many chunks of chunkSize bytes are needed for n bytes.
// A zero-length payload still occupies one (empty) chunk.
func ChunkCount(n, chunkSize int) int {
	if n == 0 {
		return 1
	}
	return (n + chunkSize - 1) / chunkSize
}

// MaxPayloadForChunkSize returns the largest payload that fits the header's
// chunk counter at the given chunk size, capped by MaxPayload.
func MaxPayloadForChunkSize(chunkSize int) int {
	max := chunkSize * MaxChunks
	if max > MaxPayload {
		return MaxPayload
	}
	return max
}
