package messaging

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/limits"
	"github.com/opd-ai/meshtalk/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownPeer is returned when sending to a user with no discovered
	// certificate.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrEmptyMessage is returned when a message has no payloads or an
	// empty one.
	ErrEmptyMessage = errors.New("empty message")

	// ErrNoIdentity is returned when sending without an identity.
	ErrNoIdentity = errors.New("no local identity")
)

// Identity is the view of the local identity messaging needs.
type Identity interface {
	Signer
	DisplayName() string
}

// Directory resolves discovered peers to their current signing keys.
type Directory interface {
	PublicKey(username string) (*ecdsa.PublicKey, bool)
}

// Outbox composes, signs and queues outbound messages.
type Outbox struct {
	self    Identity
	peers   Directory
	queue   *OutboundQueue
	archive store.Archive
	clock   crypto.TimeProvider
	suite   crypto.CipherSuite
}

// OutboxConfig holds the optional collaborators of an Outbox.
type OutboxConfig struct {
	// Archive records outbound messages; nil disables history.
	Archive      store.Archive
	Suite        crypto.CipherSuite
	TimeProvider crypto.TimeProvider
}

// NewOutbox creates an outbox feeding queue.
func NewOutbox(self Identity, peers Directory, queue *OutboundQueue, cfg OutboxConfig) *Outbox {
	return &Outbox{
		self:    self,
		peers:   peers,
		queue:   queue,
		archive: cfg.Archive,
		clock:   crypto.OrDefault(cfg.TimeProvider),
		suite:   cfg.Suite,
	}
}

// SendText sends a single text payload to recipient.
func (o *Outbox) SendText(ctx context.Context, recipient, text string) (*Message, error) {
	return o.Send(ctx, recipient, []Payload{{MimeType: MimeText, Data: []byte(text)}})
}

// Send builds a message from payloads, queues it for delivery and returns
// it as sent. Payloads to a single recipient are sealed to the recipient's
// current key; broadcasts are signed but not encrypted.
func (o *Outbox) Send(ctx context.Context, recipient string, payloads []Payload) (*Message, error) {
	if len(payloads) == 0 {
		return nil, ErrEmptyMessage
	}
	for _, p := range payloads {
		if len(p.Data) == 0 {
			return nil, ErrEmptyMessage
		}
		if err := limits.ValidatePayload(p.Data); err != nil {
			return nil, err
		}
	}
	sender := o.self.DisplayName()
	if sender == "" {
		return nil, ErrNoIdentity
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		CreatedAt: o.clock.Now().UTC(),
		Type:      TypeNormal,
	}

	kind := ItemBroadcast
	if msg.IsBroadcast() {
		msg.Payloads = clonePayloads(payloads)
	} else {
		sealed, err := o.seal(recipient, payloads)
		if err != nil {
			return nil, err
		}
		msg.Payloads = sealed
		kind = ItemMessage
	}

	if err := msg.SignWith(o.self); err != nil {
		return nil, err
	}
	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	o.queue.Enqueue(data, kind, msg.ID)

	logrus.WithFields(logrus.Fields{
		"function":   "Outbox.Send",
		"message_id": msg.ID,
		"recipient":  recipient,
		"payloads":   len(payloads),
		"frame_size": len(data),
	}).Info("Message queued")

	o.record(ctx, msg, payloads)
	return msg, nil
}

func (o *Outbox) seal(recipient string, payloads []Payload) ([]Payload, error) {
	pub, ok := o.peers.PublicKey(recipient)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, recipient)
	}
	agreement, err := crypto.AgreementKey(pub)
	if err != nil {
		return nil, err
	}

	out := make([]Payload, len(payloads))
	for i, p := range payloads {
		env, err := crypto.SealWithSuite(p.Data, agreement, o.suite)
		if err != nil {
			return nil, fmt.Errorf("seal payload %d: %w", i, err)
		}
		meta := make(map[string]string, len(p.Metadata)+1)
		for k, v := range p.Metadata {
			meta[k] = v
		}
		meta[MetaContentType] = p.MimeType
		out[i] = Payload{MimeType: MimeEnvelope, Data: env, Metadata: meta}
	}
	return out, nil
}

// record archives the plaintext of an outbound message.
func (o *Outbox) record(ctx context.Context, msg *Message, payloads []Payload) {
	if o.archive == nil {
		return
	}
	for i, p := range payloads {
		rec := store.Record{
			ID:        recordID(msg.ID, i, len(payloads)),
			MessageID: msg.ID,
			Peer:      msg.Recipient,
			Direction: store.Outbound,
			Sender:    msg.Sender,
			Recipient: msg.Recipient,
			MimeType:  p.MimeType,
			Body:      p.Data,
			Timestamp: msg.CreatedAt,
		}
		if err := o.archive.Save(ctx, rec); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Outbox.record",
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Warn("Failed to archive outbound message")
		}
	}
}

// recordID names the archive record of payload i.
func recordID(messageID string, i, n int) string {
	if n == 1 {
		return messageID
	}
	return fmt.Sprintf("%s#%d", messageID, i)
}

func clonePayloads(payloads []Payload) []Payload {
	out := make([]Payload, len(payloads))
	copy(out, payloads)
	return out
}
