package discovery

import (
	"bytes"
	"crypto/ecdsa"
	"sort"
	"sync"
	"time"
)

// PeerRecord is what the node knows about one peer.
type PeerRecord struct {
	Username     string
	Certificate  []byte
	SerialNumber string
	PublicKey    *ecdsa.PublicKey
	NotAfter     time.Time
	LastSeen     time.Time
	Online       bool
}

// EventKind classifies peer changes.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventRotated
	EventOffline
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventRotated:
		return "rotated"
	case EventOffline:
		return "offline"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event reports a peer change.
type Event struct {
	Kind EventKind
	Peer PeerRecord
}

// registry holds peer records keyed by certificate serial, an index from
// username to serial, and the set of actively tracked usernames.
type registry struct {
	mu         sync.RWMutex
	records    map[string]*PeerRecord
	byName     map[string]string
	active     map[string]string
	lastNotify map[string]time.Time
}

func newRegistry() *registry {
	return &registry{
		records:    make(map[string]*PeerRecord),
		byName:     make(map[string]string),
		active:     make(map[string]string),
		lastNotify: make(map[string]time.Time),
	}
}

// touch refreshes LastSeen for an active peer seen within grace whose
// certificate bytes are unchanged. It reports whether the record was
// refreshed; otherwise the caller does a full update.
func (r *registry) touch(name string, cert []byte, now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	serial, ok := r.active[name]
	if !ok {
		return false
	}
	rec := r.records[serial]
	if rec == nil || now.Sub(rec.LastSeen) >= grace || string(rec.Certificate) != string(cert) {
		return false
	}
	rec.LastSeen = now
	return true
}

// upsert stores a verified record and returns the event to emit, if any.
// A new serial under a known name replaces the old record.
func (r *registry) upsert(update PeerRecord, now time.Time, throttle time.Duration) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := update.Username
	prevSerial, known := r.byName[name]
	_, wasActive := r.active[name]

	if known && prevSerial != update.SerialNumber {
		delete(r.records, prevSerial)
	}
	update.Online = true
	update.LastSeen = now
	rec := update
	r.records[update.SerialNumber] = &rec
	r.byName[name] = update.SerialNumber
	r.active[name] = update.SerialNumber

	switch {
	case known && prevSerial != update.SerialNumber:
		r.lastNotify[name] = now
		return Event{Kind: EventRotated, Peer: rec}, true
	case !wasActive:
		if last, ok := r.lastNotify[name]; ok && now.Sub(last) < throttle {
			return Event{}, false
		}
		r.lastNotify[name] = now
		return Event{Kind: EventDiscovered, Peer: rec}, true
	default:
		return Event{}, false
	}
}

// markOffline drops name from active tracking when cert matches the
// certificate it was discovered with. It returns the record only if the peer
// was active, so each offline transition is reported once.
func (r *registry) markOffline(name string, cert []byte) (PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[r.active[name]]
	if rec == nil || !bytes.Equal(rec.Certificate, cert) {
		return PeerRecord{}, false
	}
	return r.markOfflineLocked(name)
}

func (r *registry) markOfflineLocked(name string) (PeerRecord, bool) {
	serial, ok := r.active[name]
	if !ok {
		return PeerRecord{}, false
	}
	delete(r.active, name)
	rec := r.records[serial]
	if rec == nil {
		return PeerRecord{}, false
	}
	rec.Online = false
	return *rec, true
}

// stale takes every active peer silent for longer than timeout offline.
func (r *registry) stale(now time.Time, timeout time.Duration) []PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []PeerRecord
	for name, serial := range r.active {
		rec := r.records[serial]
		if rec != nil && now.Sub(rec.LastSeen) <= timeout {
			continue
		}
		if offline, ok := r.markOfflineLocked(name); ok {
			out = append(out, offline)
		}
	}
	return out
}

// restore inserts a record loaded from persistence as known but inactive.
func (r *registry) restore(rec PeerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[rec.Username]; ok {
		return
	}
	rec.Online = false
	r.records[rec.SerialNumber] = &rec
	r.byName[rec.Username] = rec.SerialNumber
}

func (r *registry) remove(name string) (PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	serial, ok := r.byName[name]
	if !ok {
		return PeerRecord{}, false
	}
	var rec PeerRecord
	if p := r.records[serial]; p != nil {
		rec = *p
	}
	delete(r.records, serial)
	delete(r.byName, name)
	delete(r.active, name)
	delete(r.lastNotify, name)
	rec.Online = false
	return rec, true
}

func (r *registry) get(name string) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.records[r.byName[name]]
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

func (r *registry) list() []PeerRecord {
	r.mu.RLock()
	out := make([]PeerRecord, 0, len(r.byName))
	for _, serial := range r.byName {
		if rec := r.records[serial]; rec != nil {
			out = append(out, *rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (r *registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
