package messaging

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/frame"
	"github.com/opd-ai/meshtalk/limits"
)

const (
	// BroadcastRecipient addresses every peer on the group.
	BroadcastRecipient = "*"

	// MimeEnvelope marks a payload whose data is a sealed envelope.
	MimeEnvelope = "application/vnd.meshtalk.envelope"
	// MimeAck marks the payload of an acknowledgement.
	MimeAck = "application/vnd.meshtalk.ack"
	// MimeText is the type of plain text payloads.
	MimeText = "text/plain; charset=utf-8"

	// MetaContentType holds the inner type of a sealed payload.
	MetaContentType = "content-type"
)

// ErrMalformedMessage is returned for message bodies that fail to decode
// or lack required fields.
var ErrMalformedMessage = errors.New("malformed message")

// Type distinguishes normal messages from acknowledgements.
type Type string

const (
	TypeNormal Type = "normal"
	TypeAck    Type = "ack"
)

// Payload is one typed piece of message content.
type Payload struct {
	MimeType string            `json:"mime_type"`
	Data     []byte            `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Message is the protocol message exchanged inside TypeMessage frames.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	CreatedAt time.Time `json:"created_at"`
	Type      Type      `json:"type"`
	RepliedTo string    `json:"replied_to,omitempty"`
	Payloads  []Payload `json:"payloads"`
	Signature []byte    `json:"signature"`
}

// IsBroadcast reports whether m is addressed to every peer.
func (m *Message) IsBroadcast() bool {
	return m.Recipient == BroadcastRecipient
}

// signingBytes covers every field except the signature itself: id, sender,
// recipient, type, replied_to, created_at and, per payload, its mime type,
// metadata sorted by key and data. Each field is prefixed with its length so
// boundaries cannot shift.
func (m *Message) signingBytes() []byte {
	fields := make([][]byte, 0, 6+4*len(m.Payloads))
	created := binary.BigEndian.AppendUint64(nil, uint64(m.CreatedAt.UnixNano()))
	fields = append(fields,
		[]byte(m.ID), []byte(m.Sender), []byte(m.Recipient),
		[]byte(m.Type), []byte(m.RepliedTo), created)
	for _, p := range m.Payloads {
		keys := make([]string, 0, len(p.Metadata))
		for k := range p.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		count := binary.BigEndian.AppendUint32(nil, uint32(len(keys)))
		fields = append(fields, []byte(p.MimeType), count)
		for _, k := range keys {
			fields = append(fields, []byte(k), []byte(p.Metadata[k]))
		}
		fields = append(fields, p.Data)
	}

	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}

// Signer produces signatures with the local identity key.
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// SignWith fills m.Signature.
func (m *Message) SignWith(s Signer) error {
	sig, err := s.Sign(m.signingBytes())
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	m.Signature = sig
	return nil
}

// VerifySignature checks m.Signature against pub.
func (m *Message) VerifySignature(pub *ecdsa.PublicKey) bool {
	return crypto.Verify(m.signingBytes(), m.Signature, pub)
}

// Encode returns the frame carrying m.
func (m *Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	data := frame.Encode(frame.TypeMessage, body)
	if err := limits.ValidateFrame(data); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeMessage parses a message frame body and checks required fields.
func DecodeMessage(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return nil, fmt.Errorf("%w: id %q", ErrMalformedMessage, m.ID)
	}
	if m.Sender == "" || m.Recipient == "" {
		return nil, fmt.Errorf("%w: missing sender or recipient", ErrMalformedMessage)
	}
	if len(m.Signature) == 0 {
		return nil, fmt.Errorf("%w: unsigned", ErrMalformedMessage)
	}
	switch m.Type {
	case TypeNormal:
		if len(m.Payloads) == 0 {
			return nil, fmt.Errorf("%w: no payloads", ErrMalformedMessage)
		}
	case TypeAck:
		if _, err := uuid.Parse(m.RepliedTo); err != nil {
			return nil, fmt.Errorf("%w: replied_to %q", ErrMalformedMessage, m.RepliedTo)
		}
	default:
		return nil, fmt.Errorf("%w: type %q", ErrMalformedMessage, m.Type)
	}
	return &m, nil
}

// newAck builds the acknowledgement of original from sender. The payload
// repeats the acknowledged ID so the signature covers it.
func newAck(original *Message, sender string, now time.Time) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: original.Sender,
		CreatedAt: now.UTC(),
		Type:      TypeAck,
		RepliedTo: original.ID,
		Payloads:  []Payload{{MimeType: MimeAck, Data: []byte(original.ID)}},
	}
}

// validAck reports whether an acknowledgement's signed payload names the
// same message as its replied_to field.
func validAck(m *Message) bool {
	return len(m.Payloads) == 1 && m.Payloads[0].MimeType == MimeAck && string(m.Payloads[0].Data) == m.RepliedTo
}
