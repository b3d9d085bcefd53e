// Package limits provides centralized size constants and validation functions
// for the meshtalk wire protocol. Every component that chunks, reassembles,
// seals or decodes data checks sizes against these limits so that a single
// oversized datagram cannot exhaust memory.
//
// # Size Hierarchy
//
//   - ChunkHeaderSize (20 bytes): transaction ID, sequence number and total
//     chunk count prefixed to every datagram.
//
//   - MaxChunkPayload (1400 bytes): the largest chunk body. Together with the
//     header and IP/UDP overhead it stays below a 1500 byte Ethernet MTU.
//
//   - MaxDatagram (MaxChunkPayload + ChunkHeaderSize): the largest datagram a
//     receiver needs to buffer.
//
//   - MaxProcessingBuffer (1 MiB): the largest single protocol frame the
//     dispatcher and discovery decoders accept.
//
//   - MaxPayload (= MaxProcessingBuffer): the largest reassembled payload.
//     Transactions whose first chunk already implies more than this are
//     dropped on receipt.
//
// # Validation
//
//	if err := limits.ValidatePayload(data); err != nil {
//	    // errors.Is(err, limits.ErrPayloadTooLarge)
//	}
//
// Empty payloads are legal on the wire (a zero-length send produces a single
// empty chunk); ValidateFrame rejects them because no protocol frame is empty.
package limits
