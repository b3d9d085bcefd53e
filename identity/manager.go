package identity

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/hub"
	"github.com/opd-ai/meshtalk/store"
	"github.com/sirupsen/logrus"
)

// storeKey is where the persisted identity lives in the KV store.
const storeKey = "identity/record"

// Config holds the identity lifecycle tunables.
type Config struct {
	// EphemeralValidity is the lifetime of generated identities.
	EphemeralValidity time.Duration
	// ImportedValidity is the lifetime of certificates issued for
	// imported private keys.
	ImportedValidity time.Duration
	// RotationLead rotates an ephemeral identity this long before it expires.
	RotationLead time.Duration
	// CheckInterval is the period of the expiration loop in Run.
	CheckInterval time.Duration
	// AutoRotate enables automatic rotation of ephemeral identities.
	AutoRotate bool
	// MaxPreviousKeys bounds the retained replaced keys.
	MaxPreviousKeys int

	// Store persists the identity; nil keeps it in memory only.
	Store store.KV
	// Passphrase, when set, encrypts the persisted identity at rest.
	Passphrase   []byte
	TimeProvider crypto.TimeProvider
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		EphemeralValidity: 30 * time.Minute,
		ImportedValidity:  365 * 24 * time.Hour,
		RotationLead:      time.Minute,
		CheckInterval:     15 * time.Second,
		AutoRotate:        true,
		MaxPreviousKeys:   3,
	}
}

// EventKind classifies identity changes.
type EventKind int

const (
	EventGenerated EventKind = iota
	EventImported
	EventRotated
	EventExpired
	EventCleared
)

func (k EventKind) String() string {
	switch k {
	case EventGenerated:
		return "generated"
	case EventImported:
		return "imported"
	case EventRotated:
		return "rotated"
	case EventExpired:
		return "expired"
	case EventCleared:
		return "cleared"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports a change of the node identity.
type Event struct {
	Kind        EventKind
	DisplayName string
	Serial      string
}

// persisted is the stored form of an identity.
type persisted struct {
	Bundle   []byte `json:"bundle"`
	Imported bool   `json:"imported"`
}

// Manager owns the node identity. All reads and replacements go through
// its lock; mutating operations are additionally serialized so persistence
// and publication happen in order.
type Manager struct {
	cfg    Config
	clock  crypto.TimeProvider
	box    *crypto.PassphraseBox
	events *hub.Hub[Event]

	opMu sync.Mutex

	mu       sync.RWMutex
	current  *Identity
	state    State
	previous []*ecdsa.PrivateKey
}

// NewManager creates an unenrolled manager. Call Load to restore a
// persisted identity.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.EphemeralValidity <= 0 {
		cfg.EphemeralValidity = def.EphemeralValidity
	}
	if cfg.ImportedValidity <= 0 {
		cfg.ImportedValidity = def.ImportedValidity
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxPreviousKeys < 0 {
		cfg.MaxPreviousKeys = 0
	}

	m := &Manager{
		cfg:    cfg,
		clock:  crypto.OrDefault(cfg.TimeProvider),
		events: hub.New[Event]("identity"),
		state:  StateUnenrolled,
	}
	if len(cfg.Passphrase) > 0 {
		box, err := crypto.NewPassphraseBox(cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		m.box = box
	}
	return m, nil
}

// Subscribe registers a consumer of identity change events.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.Subscribe(buffer)
}

// Current returns the identity snapshot and state. The identity is nil when
// unenrolled or cleared.
func (m *Manager) Current() (*Identity, State) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.state
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Valid returns the identity when it may be advertised: active and not past
// its NotAfter.
func (m *Manager) Valid() (*Identity, bool) {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.state != StateActive || m.current.ExpiredAt(now) {
		return nil, false
	}
	return m.current, true
}

// DisplayName returns the current display name, or "" without an identity.
func (m *Manager) DisplayName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.DisplayName
}

// DecryptionKeys returns the current key followed by retained previous keys,
// newest first. Expired identities still decrypt.
func (m *Manager) DecryptionKeys() []*ecdh.PrivateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]*ecdh.PrivateKey, 0, len(m.previous)+1)
	if m.current != nil {
		if k, err := crypto.AgreementPrivateKey(m.current.PrivateKey); err == nil {
			keys = append(keys, k)
		}
	}
	for _, prev := range m.previous {
		if k, err := crypto.AgreementPrivateKey(prev); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Sign signs message with the current identity key.
func (m *Manager) Sign(message []byte) ([]byte, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == nil {
		return nil, ErrNoIdentity
	}
	return crypto.Sign(message, cur.PrivateKey)
}

// Generate issues a fresh ephemeral identity for name, valid for validity
// (the configured default when zero), and replaces the current one.
func (m *Manager) Generate(ctx context.Context, name string, validity time.Duration) (*Identity, error) {
	if name == "" {
		return nil, ErrEmptyDisplayName
	}
	if validity <= 0 {
		validity = m.cfg.EphemeralValidity
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	cert, err := issueCertificate(key, name, m.clock.Now(), validity)
	if err != nil {
		return nil, err
	}
	id := newIdentity(key, cert, false)

	kind := EventGenerated
	if prev, _ := m.Current(); prev != nil && prev.DisplayName == name {
		kind = EventRotated
	}
	if err := m.install(ctx, id, kind); err != nil {
		return nil, err
	}
	return id, nil
}

// ImportBundle installs a bundle produced by ExportBundle. The display name
// is taken from the certificate.
func (m *Manager) ImportBundle(ctx context.Context, data []byte) (*Identity, error) {
	key, cert, err := DecodeBundle(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.ImportBundle",
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("Rejected identity bundle")
		return nil, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	id := newIdentity(key, cert, true)
	if err := m.install(ctx, id, EventImported); err != nil {
		return nil, err
	}
	return id, nil
}

// ImportPrivateKey installs an externally supplied raw P-256 scalar under
// name with a newly issued long-lived certificate.
func (m *Manager) ImportPrivateKey(ctx context.Context, name string, raw []byte) (*Identity, error) {
	if name == "" {
		return nil, ErrEmptyDisplayName
	}
	key, err := parseKey(raw)
	if err != nil {
		return nil, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	cert, err := issueCertificate(key, name, m.clock.Now(), m.cfg.ImportedValidity)
	if err != nil {
		return nil, err
	}
	id := newIdentity(key, cert, true)
	if err := m.install(ctx, id, EventImported); err != nil {
		return nil, err
	}
	return id, nil
}

// ExportBundle serializes the current identity.
func (m *Manager) ExportBundle() ([]byte, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == nil {
		return nil, ErrNoIdentity
	}
	return EncodeBundle(cur.PrivateKey, cur.CertificateDER())
}

// CheckExpiration compares now against NotAfter and moves an active
// identity to Expired. Key material is kept.
func (m *Manager) CheckExpiration(now time.Time) State {
	m.mu.Lock()
	expired := m.state == StateActive && m.current != nil && m.current.ExpiredAt(now)
	if expired {
		m.state = StateExpired
	}
	state, cur := m.state, m.current
	m.mu.Unlock()

	if expired {
		logrus.WithFields(logrus.Fields{
			"function":     "Manager.CheckExpiration",
			"display_name": cur.DisplayName,
			"not_after":    cur.NotAfter,
		}).Info("Identity expired")
		m.events.Publish(Event{Kind: EventExpired, DisplayName: cur.DisplayName, Serial: cur.SerialNumber().Text(16)})
	}
	return state
}

// Clear drops the identity, every retained key and the persisted copy.
func (m *Manager) Clear(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.Delete(ctx, storeKey); err != nil {
			return fmt.Errorf("delete persisted identity: %w", err)
		}
	}

	m.mu.Lock()
	cur := m.current
	for _, k := range m.previous {
		_ = crypto.WipePrivateKey(k)
	}
	m.previous = nil
	m.current = nil
	m.state = StateCleared
	m.mu.Unlock()

	name := ""
	if cur != nil {
		name = cur.DisplayName
	}
	logrus.WithFields(logrus.Fields{
		"function":     "Manager.Clear",
		"display_name": name,
	}).Info("Identity cleared")
	m.events.Publish(Event{Kind: EventCleared, DisplayName: name})
	return nil
}

// Load restores the persisted identity, if any. A missing record leaves
// the manager unenrolled.
func (m *Manager) Load(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	data, err := m.cfg.Store.Get(ctx, storeKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if m.box != nil {
		if data, err = m.box.Decrypt(data); err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
	}

	var rec persisted
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	key, cert, err := DecodeBundle(rec.Bundle)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	id := newIdentity(key, cert, rec.Imported)

	m.mu.Lock()
	m.current = id
	m.state = StateActive
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.Load",
		"display_name": id.DisplayName,
		"imported":     id.Imported,
		"not_after":    id.NotAfter,
	}).Info("Restored identity")

	m.CheckExpiration(m.clock.Now())
	return nil
}

// Run checks expiration every CheckInterval and, with AutoRotate, replaces
// ephemeral identities RotationLead before they expire. Imported identities
// are never rotated. Run returns when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one iteration of the Run loop.
func (m *Manager) Tick(ctx context.Context) {
	now := m.clock.Now()
	m.CheckExpiration(now)

	cur, state := m.Current()
	if !m.cfg.AutoRotate || cur == nil || cur.Imported {
		return
	}
	if state != StateExpired && now.Before(cur.NotAfter.Add(-m.cfg.RotationLead)) {
		return
	}

	if _, err := m.Generate(ctx, cur.DisplayName, m.cfg.EphemeralValidity); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Manager.Tick",
			"display_name": cur.DisplayName,
			"error":        err.Error(),
		}).Error("Failed to rotate identity")
	}
}

// install persists id and makes it current. Callers hold opMu.
func (m *Manager) install(ctx context.Context, id *Identity, kind EventKind) error {
	if err := m.persist(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	if m.current != nil {
		m.retain(m.current.PrivateKey)
	}
	m.current = id
	m.state = StateActive
	m.mu.Unlock()

	serial := id.SerialNumber().Text(16)
	logrus.WithFields(logrus.Fields{
		"function":     "Manager.install",
		"event":        kind.String(),
		"display_name": id.DisplayName,
		"serial":       serial,
		"imported":     id.Imported,
		"not_after":    id.NotAfter,
	}).Info("Identity installed")

	m.events.Publish(Event{Kind: kind, DisplayName: id.DisplayName, Serial: serial})
	return nil
}

// retain pushes a replaced key onto the previous list, newest first.
// Callers hold mu.
func (m *Manager) retain(key *ecdsa.PrivateKey) {
	for _, k := range m.previous {
		if k.Equal(key) {
			return
		}
	}
	m.previous = append([]*ecdsa.PrivateKey{key}, m.previous...)
	if len(m.previous) > m.cfg.MaxPreviousKeys {
		m.previous = m.previous[:m.cfg.MaxPreviousKeys]
	}
}

func (m *Manager) persist(ctx context.Context, id *Identity) error {
	if m.cfg.Store == nil {
		return nil
	}
	bundle, err := EncodeBundle(id.PrivateKey, id.CertificateDER())
	if err != nil {
		return err
	}
	data, err := json.Marshal(persisted{Bundle: bundle, Imported: id.Imported})
	crypto.ZeroBytes(bundle)
	if err != nil {
		return err
	}
	if m.box != nil {
		plain := data
		if data, err = m.box.Encrypt(plain); err != nil {
			return err
		}
		crypto.ZeroBytes(plain)
	}
	if err := m.cfg.Store.Set(ctx, storeKey, data); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}
