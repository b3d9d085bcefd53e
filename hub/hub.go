// Package hub implements a fan-out registry of subscriber channels.
//
// Every value passed to Publish is offered to every live subscriber; it is a
// broadcast, not a work queue. Publishing never blocks: a subscriber whose
// buffer is full misses that value and the drop is logged. Subscribers
// detach by calling the cancel function returned from Subscribe, after which
// their channel is closed.
package hub

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub multiplexes published values to any number of subscribers.
// The zero value is not usable; create hubs with New.
type Hub[T any] struct {
	name   string
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool
}

// New creates a hub. name is only used in log fields.
func New[T any](name string) *Hub[T] {
	return &Hub[T]{
		name: name,
		subs: make(map[uint64]chan T),
	}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns its receive channel and a cancel function. Cancel is idempotent.
// Subscribing to a closed hub returns an already closed channel.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish offers v to every subscriber and returns how many accepted it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, ch := range h.subs {
		select {
		case ch <- v:
			delivered++
		default:
			logrus.WithFields(logrus.Fields{
				"function":      "Hub.Publish",
				"hub":           h.name,
				"subscriber_id": id,
			}).Warn("Subscriber buffer full, dropping value")
		}
	}
	return delivered
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel and later publications are discarded.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
