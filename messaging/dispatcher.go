package messaging

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/frame"
	"github.com/opd-ai/meshtalk/hub"
	"github.com/opd-ai/meshtalk/interfaces"
	"github.com/opd-ai/meshtalk/store"
	"github.com/opd-ai/meshtalk/transport"
	"github.com/sirupsen/logrus"
)

// ErrUndecryptable is returned when no identity key opens a sealed payload.
var ErrUndecryptable = errors.New("no key opens payload")

// LocalIdentity is the identity surface the dispatcher needs.
type LocalIdentity interface {
	Identity
	// DecryptionKeys returns the current key first, then retained
	// previous keys.
	DecryptionKeys() []*ecdh.PrivateKey
}

// Delivery is a verified, decrypted inbound message.
type Delivery struct {
	Message    *Message
	ReceivedAt time.Time
}

// Notifier is told about every new inbound message.
type Notifier interface {
	Notify(ctx context.Context, d Delivery)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, d Delivery)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, d Delivery) { f(ctx, d) }

// DispatcherConfig holds the dispatcher tunables and optional collaborators.
type DispatcherConfig struct {
	SeenCapacity     int
	SeenRetention    time.Duration
	SweepInterval    time.Duration
	SubscriberBuffer int

	// Archive records inbound messages and acknowledgements; nil disables
	// history.
	Archive      store.Archive
	Notifier     Notifier
	TimeProvider crypto.TimeProvider
}

// DefaultDispatcherConfig returns the defaults. Seen message IDs are kept
// well past the sender's full retry schedule.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SeenCapacity:     8192,
		SeenRetention:    30 * time.Minute,
		SweepInterval:    time.Minute,
		SubscriberBuffer: 64,
	}
}

// Dispatcher routes inbound message frames: it verifies, decrypts,
// deduplicates and acknowledges messages and forwards acknowledgements to
// the outbound queue.
type Dispatcher struct {
	cfg        DispatcherConfig
	stream     interfaces.Stream
	self       LocalIdentity
	peers      Directory
	queue      *OutboundQueue
	clock      crypto.TimeProvider
	seen       *transport.ProcessedSet
	deliveries *hub.Hub[Delivery]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(stream interfaces.Stream, self LocalIdentity, peers Directory, queue *OutboundQueue, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = def.SeenCapacity
	}
	if cfg.SeenRetention <= 0 {
		cfg.SeenRetention = def.SeenRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	return &Dispatcher{
		cfg:        cfg,
		stream:     stream,
		self:       self,
		peers:      peers,
		queue:      queue,
		clock:      crypto.OrDefault(cfg.TimeProvider),
		seen:       transport.NewProcessedSet(cfg.SeenCapacity, cfg.SeenRetention),
		deliveries: hub.New[Delivery]("dispatcher"),
	}
}

// Start subscribes to the stream and launches the listen and sweep loops.
// Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	frames, unsubscribe := d.stream.Subscribe(d.cfg.SubscriberBuffer)
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = func() {
		cancel()
		unsubscribe()
	}
	d.running = true

	d.wg.Add(2)
	go d.listenLoop(loopCtx, frames)
	go d.sweepLoop(loopCtx)

	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.Start",
	}).Info("Dispatcher started")
	return nil
}

// Stop terminates the loops and waits for them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.Stop",
	}).Info("Dispatcher stopped")
}

// IsRunning reports whether the loops are active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Close stops the dispatcher and ends every delivery subscription. A closed
// dispatcher is not started again.
func (d *Dispatcher) Close() {
	d.Stop()
	d.deliveries.Close()
}

// Subscribe registers a consumer of deliveries.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Delivery, func()) {
	return d.deliveries.Subscribe(buffer)
}

func (d *Dispatcher) listenLoop(ctx context.Context, frames <-chan []byte) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			d.HandleFrame(ctx, data)
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.seen.Expire(d.clock.Now())
		}
	}
}

// HandleFrame processes one reassembled payload. Frames that are not
// messages, not addressed to this node or fail verification are dropped.
func (d *Dispatcher) HandleFrame(ctx context.Context, data []byte) {
	typ, body, err := frame.Decode(data)
	if err != nil || typ != frame.TypeMessage {
		return
	}
	msg, err := DecodeMessage(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.HandleFrame",
			"error":    err.Error(),
		}).Debug("Dropping malformed message")
		return
	}

	me := d.self.DisplayName()
	if me == "" || msg.Sender == me {
		return
	}
	if !msg.IsBroadcast() && msg.Recipient != me {
		return
	}

	pub, ok := d.peers.PublicKey(msg.Sender)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.HandleFrame",
			"message_id": msg.ID,
			"sender":     msg.Sender,
		}).Debug("Dropping message from unknown sender")
		return
	}
	if !msg.VerifySignature(pub) {
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.HandleFrame",
			"message_id": msg.ID,
			"sender":     msg.Sender,
		}).Warn("Dropping message with invalid signature")
		return
	}

	switch msg.Type {
	case TypeAck:
		d.handleAck(ctx, msg)
	default:
		d.handleMessage(ctx, msg)
	}
}

func (d *Dispatcher) handleAck(ctx context.Context, msg *Message) {
	if msg.IsBroadcast() || !validAck(msg) {
		return
	}
	removed := d.queue.ProcessAck(msg.RepliedTo)
	if d.cfg.Archive != nil {
		if err := d.cfg.Archive.MarkAcked(ctx, msg.RepliedTo); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Dispatcher.handleAck",
				"message_id": msg.RepliedTo,
				"error":      err.Error(),
			}).Warn("Failed to mark message acknowledged")
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Dispatcher.handleAck",
		"message_id": msg.RepliedTo,
		"from":       msg.Sender,
		"dequeued":   removed,
	}).Debug("Acknowledgement received")
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *Message) {
	now := d.clock.Now()
	seenID := transport.TransactionID(uuid.MustParse(msg.ID))

	if d.seen.Contains(seenID, now) {
		// The sender retried, so our acknowledgement may have been lost.
		if !msg.IsBroadcast() {
			d.acknowledge(msg)
		}
		return
	}

	if !msg.IsBroadcast() {
		opened, err := d.open(msg.Payloads)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Dispatcher.handleMessage",
				"message_id": msg.ID,
				"sender":     msg.Sender,
				"error":      err.Error(),
			}).Warn("Dropping undecryptable message")
			return
		}
		msg.Payloads = opened
	}

	d.seen.Add(seenID, now)
	if !msg.IsBroadcast() {
		d.acknowledge(msg)
	}

	delivery := Delivery{Message: msg, ReceivedAt: now}
	d.record(ctx, msg)
	if d.cfg.Notifier != nil {
		d.cfg.Notifier.Notify(ctx, delivery)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Dispatcher.handleMessage",
		"message_id": msg.ID,
		"sender":     msg.Sender,
		"broadcast":  msg.IsBroadcast(),
		"payloads":   len(msg.Payloads),
	}).Info("Message received")
	d.deliveries.Publish(delivery)
}

// open decrypts every sealed payload, restoring its inner content type.
// Direct messages must carry sealed payloads only.
func (d *Dispatcher) open(payloads []Payload) ([]Payload, error) {
	keys := d.self.DecryptionKeys()
	out := make([]Payload, len(payloads))
	for i, p := range payloads {
		if p.MimeType != MimeEnvelope {
			return nil, fmt.Errorf("%w: payload %d is %q", ErrMalformedMessage, i, p.MimeType)
		}
		plain, err := openWithAny(p.Data, keys)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}

		meta := make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			if k != MetaContentType {
				meta[k] = v
			}
		}
		if len(meta) == 0 {
			meta = nil
		}
		mime := p.Metadata[MetaContentType]
		if mime == "" {
			mime = "application/octet-stream"
		}
		out[i] = Payload{MimeType: mime, Data: plain, Metadata: meta}
	}
	return out, nil
}

// openWithAny tries each key in order. Senders may still be using the
// certificate of an identity this node has since rotated away from.
func openWithAny(data []byte, keys []*ecdh.PrivateKey) ([]byte, error) {
	for _, key := range keys {
		plain, err := crypto.Open(data, key)
		if err == nil {
			return plain, nil
		}
		if !errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, err
		}
	}
	return nil, ErrUndecryptable
}

func (d *Dispatcher) acknowledge(msg *Message) {
	ack := newAck(msg, d.self.DisplayName(), d.clock.Now())
	if err := ack.SignWith(d.self); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.acknowledge",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Warn("Failed to sign acknowledgement")
		return
	}
	data, err := ack.Encode()
	if err != nil {
		return
	}
	d.queue.Enqueue(data, ItemAck, msg.ID)
}

func (d *Dispatcher) record(ctx context.Context, msg *Message) {
	if d.cfg.Archive == nil {
		return
	}
	for i, p := range msg.Payloads {
		rec := store.Record{
			ID:        recordID(msg.ID, i, len(msg.Payloads)),
			MessageID: msg.ID,
			Peer:      msg.Sender,
			Direction: store.Inbound,
			Sender:    msg.Sender,
			Recipient: msg.Recipient,
			MimeType:  p.MimeType,
			Body:      p.Data,
			Timestamp: msg.CreatedAt,
		}
		if err := d.cfg.Archive.Save(ctx, rec); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Dispatcher.record",
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Warn("Failed to archive inbound message")
		}
	}
}
