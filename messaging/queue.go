package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/hub"
	"github.com/opd-ai/meshtalk/interfaces"
	"github.com/sirupsen/logrus"
)

// ItemKind selects the retry budget of a queued item.
type ItemKind int

const (
	// ItemMessage is a direct message, retried until acknowledged.
	ItemMessage ItemKind = iota
	// ItemAck is an acknowledgement. Nothing acknowledges it, so it simply
	// runs its short budget.
	ItemAck
	// ItemBroadcast is a broadcast message. Broadcasts are not
	// acknowledged and run their own short budget.
	ItemBroadcast
)

func (k ItemKind) String() string {
	switch k {
	case ItemMessage:
		return "message"
	case ItemAck:
		return "ack"
	case ItemBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// QueueItem is one outbound frame awaiting (re)transmission.
type QueueItem struct {
	Data       []byte
	Kind       ItemKind
	RelatedID  string
	CreatedAt  time.Time
	LastSent   time.Time
	RetryCount int
}

// OutcomeKind tells how an item left the queue.
type OutcomeKind int

const (
	// OutcomeAcked means the recipient acknowledged a message.
	OutcomeAcked OutcomeKind = iota
	// OutcomeExhausted means the retry budget ran out.
	OutcomeExhausted
)

// Outcome reports an item leaving the queue.
type Outcome struct {
	Kind      OutcomeKind
	ItemKind  ItemKind
	RelatedID string
	Retries   int
}

// QueueConfig holds the retransmission schedule.
type QueueConfig struct {
	Interval        time.Duration
	BurstCopies     int
	BurstSpacing    time.Duration
	MessageBudget   int
	AckBudget       int
	BroadcastBudget int
	TimeProvider    crypto.TimeProvider
}

// DefaultQueueConfig returns the protocol defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Interval:        10 * time.Second,
		BurstCopies:     5,
		BurstSpacing:    100 * time.Millisecond,
		MessageBudget:   60,
		AckBudget:       6,
		BroadcastBudget: 3,
	}
}

func (c QueueConfig) budget(kind ItemKind) int {
	switch kind {
	case ItemAck:
		return c.AckBudget
	case ItemBroadcast:
		return c.BroadcastBudget
	default:
		return c.MessageBudget
	}
}

type itemKey struct {
	relatedID string
	kind      ItemKind
}

// OutboundQueue retransmits queued frames in bursts. A single mutex guards
// the items; sends happen outside it.
type OutboundQueue struct {
	cfg      QueueConfig
	sender   interfaces.Sender
	clock    crypto.TimeProvider
	outcomes *hub.Hub[Outcome]
	wake     chan struct{}

	mu    sync.Mutex
	items []*QueueItem
	index map[itemKey]*QueueItem
}

// NewOutboundQueue creates an empty queue sending through sender.
func NewOutboundQueue(sender interfaces.Sender, cfg QueueConfig) *OutboundQueue {
	def := DefaultQueueConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BurstCopies <= 0 {
		cfg.BurstCopies = def.BurstCopies
	}
	if cfg.MessageBudget <= 0 {
		cfg.MessageBudget = def.MessageBudget
	}
	if cfg.AckBudget <= 0 {
		cfg.AckBudget = def.AckBudget
	}
	if cfg.BroadcastBudget <= 0 {
		cfg.BroadcastBudget = def.BroadcastBudget
	}
	return &OutboundQueue{
		cfg:      cfg,
		sender:   sender,
		clock:    crypto.OrDefault(cfg.TimeProvider),
		outcomes: hub.New[Outcome]("queue"),
		wake:     make(chan struct{}, 1),
		index:    make(map[itemKey]*QueueItem),
	}
}

// Subscribe registers a consumer of queue outcomes.
func (q *OutboundQueue) Subscribe(buffer int) (<-chan Outcome, func()) {
	return q.outcomes.Subscribe(buffer)
}

// Enqueue adds data unless an item of the same kind for relatedID is
// already queued. It reports whether the item was added. New items are
// sent promptly by a running Run loop.
func (q *OutboundQueue) Enqueue(data []byte, kind ItemKind, relatedID string) bool {
	key := itemKey{relatedID: relatedID, kind: kind}

	q.mu.Lock()
	if _, dup := q.index[key]; dup {
		q.mu.Unlock()
		return false
	}
	item := &QueueItem{
		Data:      data,
		Kind:      kind,
		RelatedID: relatedID,
		CreatedAt: q.clock.Now(),
	}
	q.items = append(q.items, item)
	q.index[key] = item
	size := len(q.items)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "OutboundQueue.Enqueue",
		"kind":       kind.String(),
		"related_id": relatedID,
		"queue_size": size,
	}).Debug("Queued item")

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// ProcessAck removes the message item acknowledged by relatedID. It
// reports whether one was queued.
func (q *OutboundQueue) ProcessAck(relatedID string) bool {
	q.mu.Lock()
	item, ok := q.index[itemKey{relatedID: relatedID, kind: ItemMessage}]
	if ok {
		q.removeLocked(item)
	}
	q.mu.Unlock()

	if !ok {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"function":   "OutboundQueue.ProcessAck",
		"related_id": relatedID,
		"retries":    item.RetryCount,
	}).Debug("Message acknowledged")
	q.outcomes.Publish(Outcome{Kind: OutcomeAcked, ItemKind: ItemMessage, RelatedID: relatedID, Retries: item.RetryCount})
	return true
}

// Len returns the number of queued items.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns copies of the queued items in enqueue order.
func (q *OutboundQueue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueItem, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

// Run sends new items on enqueue and every queued item each Interval until
// ctx is done.
func (q *OutboundQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.SendPending(ctx)
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Tick bursts every queued item that is due and charges it one retry. An
// item is due unless it was sent less than half an Interval ago, so an item
// sent on enqueue waits for a later tick instead of repeating at once. The
// half allows for ticker jitter.
func (q *OutboundQueue) Tick(ctx context.Context) {
	now := q.clock.Now()
	minGap := q.cfg.Interval / 2
	q.send(ctx, func(item *QueueItem) bool {
		return item.LastSent.IsZero() || now.Sub(item.LastSent) >= minGap
	})
}

// SendPending bursts only the items never sent yet.
func (q *OutboundQueue) SendPending(ctx context.Context) {
	q.send(ctx, func(item *QueueItem) bool { return item.RetryCount == 0 })
}

func (q *OutboundQueue) send(ctx context.Context, want func(*QueueItem) bool) {
	q.mu.Lock()
	batch := make([]*QueueItem, 0, len(q.items))
	for _, item := range q.items {
		if want(item) {
			batch = append(batch, item)
		}
	}
	q.mu.Unlock()

	for _, item := range batch {
		if ctx.Err() != nil {
			return
		}
		if err := q.sender.SendBurst(ctx, item.Data, q.cfg.BurstCopies, q.cfg.BurstSpacing); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "OutboundQueue.send",
				"kind":       item.Kind.String(),
				"related_id": item.RelatedID,
				"error":      err.Error(),
			}).Warn("Burst send failed")
		}
		q.charge(item)
	}
}

// charge records one attempt on item and drops it when its budget is spent.
// Items acknowledged while the burst was in flight are already gone.
func (q *OutboundQueue) charge(item *QueueItem) {
	now := q.clock.Now()

	q.mu.Lock()
	if q.index[itemKey{relatedID: item.RelatedID, kind: item.Kind}] != item {
		q.mu.Unlock()
		return
	}
	item.RetryCount++
	item.LastSent = now
	exhausted := item.RetryCount >= q.cfg.budget(item.Kind)
	if exhausted {
		q.removeLocked(item)
	}
	q.mu.Unlock()

	if !exhausted {
		return
	}
	level := logrus.DebugLevel
	if item.Kind == ItemMessage {
		level = logrus.WarnLevel
	}
	logrus.WithFields(logrus.Fields{
		"function":   "OutboundQueue.charge",
		"kind":       item.Kind.String(),
		"related_id": item.RelatedID,
		"retries":    item.RetryCount,
	}).Log(level, "Retry budget exhausted, dropping item")
	q.outcomes.Publish(Outcome{Kind: OutcomeExhausted, ItemKind: item.Kind, RelatedID: item.RelatedID, Retries: item.RetryCount})
}

func (q *OutboundQueue) removeLocked(item *QueueItem) {
	delete(q.index, itemKey{relatedID: item.RelatedID, kind: item.Kind})
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
