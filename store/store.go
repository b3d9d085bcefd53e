package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KV.Get for a missing key.
var ErrNotFound = errors.New("not found")

// KV is a flat key/value store for small opaque values.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Direction tells whether a record was received or sent.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Record is one archived message.
type Record struct {
	ID        string    `json:"id" bson:"_id"`
	MessageID string    `json:"message_id,omitempty" bson:"message_id,omitempty"`
	Peer      string    `json:"peer" bson:"peer"`
	Direction Direction `json:"direction" bson:"direction"`
	Sender    string    `json:"sender" bson:"sender"`
	Recipient string    `json:"recipient" bson:"recipient"`
	MimeType  string    `json:"mime_type" bson:"mime_type"`
	Body      []byte    `json:"body" bson:"body"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Acked     bool      `json:"acked" bson:"acked"`
}

// Archive stores message records keyed by ID. Saving an existing ID
// replaces the record.
type Archive interface {
	Save(ctx context.Context, rec Record) error
	// MarkAcked flags every record whose ID or MessageID is id as
	// acknowledged. Unknown IDs are not an error.
	MarkAcked(ctx context.Context, id string) error
	// List returns up to limit records exchanged with peer, oldest first.
	// A limit of zero or less returns everything.
	List(ctx context.Context, peer string, limit int) ([]Record, error)
}
