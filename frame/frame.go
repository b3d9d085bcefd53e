// Package frame defines the envelope every reassembled transport payload
// carries: one type byte followed by a JSON body.
package frame

import (
	"errors"
	"fmt"

	"github.com/opd-ai/meshtalk/limits"
)

// Type identifies the body of a frame.
type Type byte

const (
	// TypePresence carries a discovery presence record.
	TypePresence Type = 1
	// TypeMessage carries a signed protocol message or acknowledgement.
	TypeMessage Type = 2
)

// ErrUnknownType is returned for frames with an unassigned type byte.
var ErrUnknownType = errors.New("unknown frame type")

func (t Type) String() string {
	switch t {
	case TypePresence:
		return "presence"
	case TypeMessage:
		return "message"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Encode prefixes body with its type byte.
func Encode(t Type, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(t)
	copy(out[1:], body)
	return out
}

// Decode splits a frame into type and body. The body aliases data.
func Decode(data []byte) (Type, []byte, error) {
	if err := limits.ValidateFrame(data); err != nil {
		return 0, nil, err
	}
	t := Type(data[0])
	switch t {
	case TypePresence, TypeMessage:
		return t, data[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownType, data[0])
	}
}
