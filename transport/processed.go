package transport

import (
	"container/list"
	"sync"
	"time"
)

// ProcessedSet remembers recently completed transaction IDs so that repeated
// copies of a burst are dropped. It is bounded two ways: entries older than
// the retention window expire, and when the set exceeds its capacity the
// oldest entries are evicted first. Forgetting an ID early only risks a
// duplicate delivery, which the layers above tolerate.
type ProcessedSet struct {
	mu        sync.Mutex
	entries   map[TransactionID]*list.Element
	order     *list.List // of processedEntry, oldest at the front
	capacity  int
	retention time.Duration
}

type processedEntry struct {
	id     TransactionID
	seenAt time.Time
}

// NewProcessedSet creates a set holding at most capacity IDs for retention.
func NewProcessedSet(capacity int, retention time.Duration) *ProcessedSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &ProcessedSet{
		entries:   make(map[TransactionID]*list.Element),
		order:     list.New(),
		capacity:  capacity,
		retention: retention,
	}
}

// Contains reports whether id completed within the retention window.
func (p *ProcessedSet) Contains(id TransactionID, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.entries[id]
	if !ok {
		return false
	}
	if p.retention > 0 && now.Sub(el.Value.(processedEntry).seenAt) > p.retention {
		p.order.Remove(el)
		delete(p.entries, id)
		return false
	}
	return true
}

// Add records id as processed, evicting the oldest entries past capacity.
func (p *ProcessedSet) Add(id TransactionID, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.entries[id]; ok {
		p.order.Remove(el)
	}
	p.entries[id] = p.order.PushBack(processedEntry{id: id, seenAt: now})

	for p.order.Len() > p.capacity {
		oldest := p.order.Front()
		p.order.Remove(oldest)
		delete(p.entries, oldest.Value.(processedEntry).id)
	}
}

// Expire drops entries older than the retention window and returns how many
// were removed.
func (p *ProcessedSet) Expire(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.retention <= 0 {
		return 0
	}
	removed := 0
	for el := p.order.Front(); el != nil; {
		entry := el.Value.(processedEntry)
		if now.Sub(entry.seenAt) <= p.retention {
			break
		}
		next := el.Next()
		p.order.Remove(el)
		delete(p.entries, entry.id)
		removed++
		el = next
	}
	return removed
}

// Len returns the number of remembered IDs.
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
