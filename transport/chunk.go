package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/meshtalk/limits"
)

// TransactionID identifies one logical send operation. Every chunk of the
// transaction, and every copy of a burst, carries the same ID.
type TransactionID [limits.TransactionIDSize]byte

var (
	// ErrShortDatagram is returned for datagrams shorter than the chunk header.
	ErrShortDatagram = errors.New("datagram shorter than chunk header")

	// ErrInvalidHeader is returned when the header violates sequence < total.
	ErrInvalidHeader = errors.New("invalid chunk header")
)

// ChunkHeader is prefixed to every datagram.
//
// Format: [transaction id (16 bytes)][sequence (2 bytes, BE)][total (2 bytes, BE)]
type ChunkHeader struct {
	TransactionID TransactionID
	Sequence      uint16
	Total         uint16
}

// Validate checks the header invariants.
func (h ChunkHeader) Validate() error {
	if h.Total == 0 || h.Sequence >= h.Total {
		return fmt.Errorf("%w: sequence %d, total %d", ErrInvalidHeader, h.Sequence, h.Total)
	}
	return nil
}

// MarshalTo writes the header into the first ChunkHeaderSize bytes of dst.
func (h ChunkHeader) MarshalTo(dst []byte) {
	copy(dst[:limits.TransactionIDSize], h.TransactionID[:])
	binary.BigEndian.PutUint16(dst[16:18], h.Sequence)
	binary.BigEndian.PutUint16(dst[18:20], h.Total)
}

// ParseDatagram splits a datagram into its header and chunk body. The body
// aliases the input slice.
func ParseDatagram(datagram []byte) (ChunkHeader, []byte, error) {
	var h ChunkHeader
	if len(datagram) < limits.ChunkHeaderSize {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(datagram))
	}
	copy(h.TransactionID[:], datagram[:limits.TransactionIDSize])
	h.Sequence = binary.BigEndian.Uint16(datagram[16:18])
	h.Total = binary.BigEndian.Uint16(datagram[18:20])
	if err := h.Validate(); err != nil {
		return h, nil, err
	}
	return h, datagram[limits.ChunkHeaderSize:], nil
}

// SplitPayload cuts payload into datagrams of at most chunkSize body bytes,
// each prefixed with a header for transaction id. An empty payload yields a
// single header-only datagram.
func SplitPayload(id TransactionID, payload []byte, chunkSize int) ([][]byte, error) {
	if err := limits.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	if len(payload) > limits.MaxPayloadForChunkSize(chunkSize) {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d for chunk size %d",
			limits.ErrPayloadTooLarge, len(payload), limits.MaxPayloadForChunkSize(chunkSize), chunkSize)
	}

	total := limits.ChunkCount(len(payload), chunkSize)
	datagrams := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		body := payload[start:end]

		datagram := make([]byte, limits.ChunkHeaderSize+len(body))
		ChunkHeader{
			TransactionID: id,
			Sequence:      uint16(seq),
			Total:         uint16(total),
		}.MarshalTo(datagram)
		copy(datagram[limits.ChunkHeaderSize:], body)
		datagrams = append(datagrams, datagram)
	}
	return datagrams, nil
}
