package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshtalk/limits"
	"github.com/sirupsen/logrus"
)

// transaction collects the chunks of one multi-chunk send.
type transaction struct {
	total     uint16
	chunks    map[uint16][]byte
	size      int
	firstSeen time.Time
}

// Reassembler turns datagrams back into payloads. It owns the pending
// transaction map and consults the processed set to drop repeated bursts.
type Reassembler struct {
	mu         sync.Mutex
	pending    map[TransactionID]*transaction
	processed  *ProcessedSet
	timeout    time.Duration
	maxPending int
}

// NewReassembler creates a reassembler that discards incomplete transactions
// after timeout and tracks at most maxPending of them at once.
func NewReassembler(processed *ProcessedSet, timeout time.Duration, maxPending int) *Reassembler {
	return &Reassembler{
		pending:    make(map[TransactionID]*transaction),
		processed:  processed,
		timeout:    timeout,
		maxPending: maxPending,
	}
}

// Accept processes one datagram. It returns the reassembled payload and true
// when the datagram completes a transaction. Duplicate datagrams of already
// completed transactions return (nil, false, nil). Malformed datagrams
// return an error; the caller drops them.
func (r *Reassembler) Accept(datagram []byte, now time.Time) ([]byte, bool, error) {
	header, body, err := ParseDatagram(datagram)
	if err != nil {
		return nil, false, err
	}

	if r.processed.Contains(header.TransactionID, now) {
		return nil, false, nil
	}

	// Single-chunk fast path: no pending state at all.
	if header.Total == 1 {
		r.processed.Add(header.TransactionID, now)
		payload := make([]byte, len(body))
		copy(payload, body)
		return payload, true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.pending[header.TransactionID]
	if !ok {
		// Every chunk but the last is full, so one of them bounds the total.
		if header.Sequence < header.Total-1 && int(header.Total-1)*len(body) > limits.MaxPayload {
			return nil, false, fmt.Errorf("%w: %d chunks of %d bytes exceed %d bytes",
				limits.ErrPayloadTooLarge, header.Total, len(body), limits.MaxPayload)
		}
		if r.maxPending > 0 && len(r.pending) >= r.maxPending {
			return nil, false, fmt.Errorf("too many pending transactions (%d)", len(r.pending))
		}
		tx = &transaction{
			total:     header.Total,
			chunks:    make(map[uint16][]byte, header.Total),
			firstSeen: now,
		}
		r.pending[header.TransactionID] = tx
	}

	if tx.total != header.Total {
		return nil, false, fmt.Errorf("%w: total %d conflicts with %d", ErrInvalidHeader, header.Total, tx.total)
	}
	if _, dup := tx.chunks[header.Sequence]; dup {
		return nil, false, nil
	}
	if tx.size+len(body) > limits.MaxPayload {
		delete(r.pending, header.TransactionID)
		return nil, false, fmt.Errorf("%w: transaction exceeds %d bytes", limits.ErrPayloadTooLarge, limits.MaxPayload)
	}

	chunk := make([]byte, len(body))
	copy(chunk, body)
	tx.chunks[header.Sequence] = chunk
	tx.size += len(chunk)

	if len(tx.chunks) != int(tx.total) {
		return nil, false, nil
	}

	payload := make([]byte, 0, tx.size)
	for seq := uint16(0); seq < tx.total; seq++ {
		payload = append(payload, tx.chunks[seq]...)
	}
	delete(r.pending, header.TransactionID)
	r.processed.Add(header.TransactionID, now)
	return payload, true, nil
}

// Sweep discards incomplete transactions older than the timeout and expires
// old processed IDs. It returns the number of discarded transactions.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	discarded := 0
	for id, tx := range r.pending {
		if now.Sub(tx.firstSeen) > r.timeout {
			delete(r.pending, id)
			discarded++
		}
	}
	pending := len(r.pending)
	r.mu.Unlock()

	expired := r.processed.Expire(now)

	if discarded > 0 || expired > 0 {
		logrus.WithFields(logrus.Fields{
			"function":           "Reassembler.Sweep",
			"discarded":          discarded,
			"expired_processed":  expired,
			"pending":            pending,
			"processed_retained": r.processed.Len(),
		}).Debug("Swept reassembly state")
	}
	return discarded
}

// Pending returns the number of incomplete transactions.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
