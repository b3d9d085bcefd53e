package discovery

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/frame"
	"github.com/opd-ai/meshtalk/hub"
	"github.com/opd-ai/meshtalk/identity"
	"github.com/opd-ai/meshtalk/interfaces"
	"github.com/opd-ai/meshtalk/store"
	"github.com/sirupsen/logrus"
)

// peerKeyPrefix namespaces the persisted peer directory in the KV store.
const peerKeyPrefix = "peer/"

// Config holds the discovery timing.
type Config struct {
	AnnounceInterval time.Duration
	// StartupDelay separates the two announcements sent on start.
	StartupDelay   time.Duration
	BurstCopies    int
	BurstSpacing   time.Duration
	GraceWindow    time.Duration
	NotifyThrottle time.Duration
	SweepInterval  time.Duration
	StaleTimeout   time.Duration

	SubscriberBuffer int

	// Store persists the peer directory; nil keeps it in memory only.
	Store        store.KV
	TimeProvider crypto.TimeProvider
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval: 10 * time.Second,
		StartupDelay:     2 * time.Second,
		BurstCopies:      5,
		BurstSpacing:     100 * time.Millisecond,
		GraceWindow:      60 * time.Second,
		NotifyThrottle:   10 * time.Second,
		SweepInterval:    30 * time.Second,
		StaleTimeout:     65 * time.Second,
		SubscriberBuffer: 64,
	}
}

// Self is the view of the local identity discovery needs.
type Self interface {
	// Valid returns the identity when it may be advertised.
	Valid() (*identity.Identity, bool)
	// DisplayName returns the current display name.
	DisplayName() string
}

// Network is the transport surface discovery uses.
type Network interface {
	interfaces.Sender
	interfaces.Stream
}

// Service runs the announce, listen and sweep loops.
type Service struct {
	cfg    Config
	net    Network
	self   Self
	clock  crypto.TimeProvider
	peers  *registry
	events *hub.Hub[Event]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped discovery service.
func New(network Network, self Self, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = def.AnnounceInterval
	}
	if cfg.BurstCopies <= 0 {
		cfg.BurstCopies = def.BurstCopies
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	return &Service{
		cfg:    cfg,
		net:    network,
		self:   self,
		clock:  crypto.OrDefault(cfg.TimeProvider),
		peers:  newRegistry(),
		events: hub.New[Event]("discovery"),
	}
}

// Start restores the persisted directory and launches the loops. Calling
// Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := s.load(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.Start",
			"error":    err.Error(),
		}).Warn("Failed to restore peer directory")
	}

	frames, unsubscribe := s.net.Subscribe(s.cfg.SubscriberBuffer)
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = func() {
		cancel()
		unsubscribe()
	}
	s.running = true

	s.wg.Add(3)
	go s.announceLoop(loopCtx)
	go s.listenLoop(loopCtx, frames)
	go s.sweepLoop(loopCtx)

	logrus.WithFields(logrus.Fields{
		"function":          "Service.Start",
		"announce_interval": s.cfg.AnnounceInterval,
		"stale_timeout":     s.cfg.StaleTimeout,
	}).Info("Discovery started")
	return nil
}

// Stop terminates the loops and waits for them.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Service.Stop",
	}).Info("Discovery stopped")
}

// IsRunning reports whether the loops are active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops the service and ends every event subscription.
func (s *Service) Close() {
	s.Stop()
	s.events.Close()
}

// Subscribe registers a consumer of peer events.
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.Subscribe(buffer)
}

// Peers returns every known peer, sorted by username.
func (s *Service) Peers() []PeerRecord {
	return s.peers.list()
}

// Peer returns the record for username.
func (s *Service) Peer(username string) (PeerRecord, bool) {
	return s.peers.get(username)
}

// PublicKey returns the key of username's latest certificate.
func (s *Service) PublicKey(username string) (*ecdsa.PublicKey, bool) {
	rec, ok := s.peers.get(username)
	if !ok || rec.PublicKey == nil {
		return nil, false
	}
	return rec.PublicKey, true
}

// ActiveCount returns the number of peers currently tracked as online.
func (s *Service) ActiveCount() int {
	return s.peers.activeCount()
}

// Remove forgets username entirely, including its persisted entry. It is
// the only way a record is deleted.
func (s *Service) Remove(ctx context.Context, username string) bool {
	rec, ok := s.peers.remove(username)
	if !ok {
		return false
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Delete(ctx, peerKeyPrefix+username); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Service.Remove",
				"username": username,
				"error":    err.Error(),
			}).Warn("Failed to delete persisted peer")
		}
	}
	s.events.Publish(Event{Kind: EventRemoved, Peer: rec})
	return true
}

// Announce sends one presence burst if the identity is valid.
func (s *Service) Announce(ctx context.Context) error {
	return s.announce(ctx, StatusOnline)
}

// AnnounceOffline tells peers this node is leaving. It sends a single
// burst and is meant for orderly shutdown.
func (s *Service) AnnounceOffline(ctx context.Context) error {
	return s.announce(ctx, StatusOffline)
}

func (s *Service) announce(ctx context.Context, status Status) error {
	id, ok := s.self.Valid()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Service.announce",
		}).Debug("No valid identity, skipping announcement")
		return nil
	}

	data, err := EncodePresence(Presence{
		DisplayName: id.DisplayName,
		Certificate: id.CertificateDER(),
		Status:      status,
	})
	if err != nil {
		return err
	}
	if err := s.net.SendBurst(ctx, data, s.cfg.BurstCopies, s.cfg.BurstSpacing); err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Service.announce",
		"display_name": id.DisplayName,
		"status":       status,
	}).Debug("Sent presence")
	return nil
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	s.announceLogged(ctx)

	startup := time.NewTimer(s.cfg.StartupDelay)
	defer startup.Stop()
	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-startup.C:
			s.announceLogged(ctx)
		case <-ticker.C:
			s.announceLogged(ctx)
		}
	}
}

func (s *Service) announceLogged(ctx context.Context) {
	if err := s.Announce(ctx); err != nil && ctx.Err() == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.announceLoop",
			"error":    err.Error(),
		}).Warn("Announcement failed")
	}
}

func (s *Service) listenLoop(ctx context.Context, frames <-chan []byte) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			s.HandleFrame(ctx, data)
		}
	}
}

// HandleFrame processes one reassembled payload. Non-presence frames are
// ignored.
func (s *Service) HandleFrame(ctx context.Context, data []byte) {
	typ, body, err := frame.Decode(data)
	if err != nil || typ != frame.TypePresence {
		return
	}
	p, err := DecodePresence(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.HandleFrame",
			"error":    err.Error(),
		}).Debug("Dropping malformed presence")
		return
	}
	s.handlePresence(ctx, p, s.clock.Now())
}

func (s *Service) handlePresence(ctx context.Context, p Presence, now time.Time) {
	if p.DisplayName == s.self.DisplayName() {
		return
	}

	// Offline carries no signature, so it counts only when it names the
	// exact certificate the peer is tracked with.
	if p.Status == StatusOffline {
		rec, ok := s.peers.markOffline(p.DisplayName, p.Certificate)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "Service.handlePresence",
				"username": p.DisplayName,
			}).Debug("Ignoring offline announcement for unknown certificate")
			return
		}
		s.publishOffline(rec, "announced")
		return
	}

	if s.peers.touch(p.DisplayName, p.Certificate, now, s.cfg.GraceWindow) {
		return
	}

	cert, pub, err := identity.VerifyPeerCertificate(p.Certificate, p.DisplayName, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.handlePresence",
			"username": p.DisplayName,
			"error":    err.Error(),
		}).Debug("Rejecting presence certificate")
		return
	}

	rec := PeerRecord{
		Username:     p.DisplayName,
		Certificate:  append([]byte(nil), p.Certificate...),
		SerialNumber: cert.SerialNumber.Text(16),
		PublicKey:    pub,
		NotAfter:     cert.NotAfter,
	}
	ev, notify := s.peers.upsert(rec, now, s.cfg.NotifyThrottle)
	if !notify {
		return
	}

	s.persist(ctx, ev.Peer)
	logrus.WithFields(logrus.Fields{
		"function": "Service.handlePresence",
		"event":    ev.Kind.String(),
		"username": ev.Peer.Username,
		"serial":   ev.Peer.SerialNumber,
	}).Info("Peer update")
	s.events.Publish(ev)
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.clock.Now())
		}
	}
}

// Sweep reports every peer silent for longer than StaleTimeout as offline
// and drops it from active tracking. It returns how many went offline.
func (s *Service) Sweep(now time.Time) int {
	stale := s.peers.stale(now, s.cfg.StaleTimeout)
	for _, rec := range stale {
		s.publishOffline(rec, "stale")
	}
	return len(stale)
}

func (s *Service) publishOffline(rec PeerRecord, reason string) {
	logrus.WithFields(logrus.Fields{
		"function":  "Service.publishOffline",
		"username":  rec.Username,
		"reason":    reason,
		"last_seen": rec.LastSeen,
	}).Info("Peer offline")
	s.events.Publish(Event{Kind: EventOffline, Peer: rec})
}

// storedPeer is the persisted form of a peer record.
type storedPeer struct {
	Username    string    `json:"username"`
	Certificate []byte    `json:"certificate"`
	LastSeen    time.Time `json:"last_seen"`
}

func (s *Service) persist(ctx context.Context, rec PeerRecord) {
	if s.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(storedPeer{
		Username:    rec.Username,
		Certificate: rec.Certificate,
		LastSeen:    rec.LastSeen,
	})
	if err == nil {
		err = s.cfg.Store.Set(ctx, peerKeyPrefix+rec.Username, data)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.persist",
			"username": rec.Username,
			"error":    err.Error(),
		}).Warn("Failed to persist peer")
	}
}

// load restores persisted peers whose certificates are still valid. They
// start inactive and become active on their next announcement.
func (s *Service) load(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}
	keys, err := s.cfg.Store.Keys(ctx, peerKeyPrefix)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	restored := 0
	for _, key := range keys {
		data, err := s.cfg.Store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var sp storedPeer
		if err := json.Unmarshal(data, &sp); err != nil || sp.Username != strings.TrimPrefix(key, peerKeyPrefix) {
			continue
		}
		cert, pub, err := identity.VerifyPeerCertificate(sp.Certificate, sp.Username, now)
		if err != nil {
			continue
		}
		s.peers.restore(PeerRecord{
			Username:     sp.Username,
			Certificate:  sp.Certificate,
			SerialNumber: cert.SerialNumber.Text(16),
			PublicKey:    pub,
			NotAfter:     cert.NotAfter,
			LastSeen:     sp.LastSeen,
		})
		restored++
	}

	logrus.WithFields(logrus.Fields{
		"function": "Service.load",
		"restored": restored,
		"stored":   len(keys),
	}).Debug("Restored peer directory")
	return nil
}
