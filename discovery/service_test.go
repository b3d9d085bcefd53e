package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/frame"
	"github.com/opd-ai/meshtalk/hub"
	"github.com/opd-ai/meshtalk/identity"
	"github.com/opd-ai/meshtalk/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2030, 6, 1, 8, 0, 0, 0, time.UTC)

type burst struct {
	data    []byte
	copies  int
	spacing time.Duration
}

// fakeNetwork records sends and lets tests inject inbound frames.
type fakeNetwork struct {
	mu     sync.Mutex
	sent   []burst
	frames *hub.Hub[[]byte]
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{frames: hub.New[[]byte]("fake")}
}

func (f *fakeNetwork) Send(ctx context.Context, data []byte) error {
	return f.SendBurst(ctx, data, 1, 0)
}

func (f *fakeNetwork) SendBurst(_ context.Context, data []byte, copies int, spacing time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, burst{data: data, copies: copies, spacing: spacing})
	return nil
}

func (f *fakeNetwork) Subscribe(buffer int) (<-chan []byte, func()) {
	return f.frames.Subscribe(buffer)
}

func (f *fakeNetwork) bursts() []burst {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]burst(nil), f.sent...)
}

func newIdentity(t *testing.T, clock crypto.TimeProvider, name string) *identity.Manager {
	t.Helper()
	cfg := identity.DefaultConfig()
	cfg.TimeProvider = clock
	m, err := identity.NewManager(cfg)
	require.NoError(t, err)
	if name != "" {
		_, err = m.Generate(context.Background(), name, 0)
		require.NoError(t, err)
	}
	return m
}

func presenceOf(t *testing.T, m *identity.Manager, status Status) []byte {
	t.Helper()
	id, _ := m.Current()
	require.NotNil(t, id)
	data, err := EncodePresence(Presence{DisplayName: id.DisplayName, Certificate: id.CertificateDER(), Status: status})
	require.NoError(t, err)
	return data
}

type harness struct {
	svc    *Service
	net    *fakeNetwork
	clock  *crypto.ManualClock
	self   *identity.Manager
	events <-chan Event
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clock := crypto.NewManualClock(testStart)
	self := newIdentity(t, clock, "alice")
	network := newFakeNetwork()
	cfg := DefaultConfig()
	cfg.TimeProvider = clock
	if mutate != nil {
		mutate(&cfg)
	}
	svc := New(network, self, cfg)
	events, cancel := svc.Subscribe(32)
	t.Cleanup(cancel)
	return &harness{svc: svc, net: network, clock: clock, self: self, events: events}
}

func (h *harness) deliver(data []byte) {
	h.svc.HandleFrame(context.Background(), data)
}

func expectEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-ch:
		require.Equal(t, kind, ev.Kind, "unexpected event for %s", ev.Peer.Username)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no %s event", kind)
		return Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %s event for %s", ev.Kind, ev.Peer.Username)
	default:
	}
}

func TestBurstYieldsOneDiscovery(t *testing.T) {
	h := newHarness(t, nil)
	bob := newIdentity(t, h.clock, "bob")
	data := presenceOf(t, bob, StatusOnline)

	for i := 0; i < 5; i++ {
		h.deliver(data)
		h.clock.Advance(100 * time.Millisecond)
	}

	ev := expectEvent(t, h.events, EventDiscovered)
	assert.Equal(t, "bob", ev.Peer.Username)
	assert.True(t, ev.Peer.Online)
	expectNoEvent(t, h.events)

	id, _ := bob.Current()
	pub, ok := h.svc.PublicKey("bob")
	require.True(t, ok)
	assert.True(t, id.PublicKey().Equal(pub))
	assert.Equal(t, 1, h.svc.ActiveCount())
}

func TestSelfAnnouncementsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(presenceOf(t, h.self, StatusOnline))

	expectNoEvent(t, h.events)
	assert.Empty(t, h.svc.Peers())
}

func TestGraceWindowSkipsReparse(t *testing.T) {
	h := newHarness(t, nil)
	bob := newIdentity(t, h.clock, "bob")
	data := presenceOf(t, bob, StatusOnline)

	h.deliver(data)
	expectEvent(t, h.events, EventDiscovered)

	h.clock.Advance(30 * time.Second)
	h.deliver(data)
	rec, ok := h.svc.Peer("bob")
	require.True(t, ok)
	assert.Equal(t, h.clock.Now(), rec.LastSeen)

	h.clock.Advance(61 * time.Second)
	h.deliver(data)
	rec, _ = h.svc.Peer("bob")
	assert.Equal(t, h.clock.Now(), rec.LastSeen)
	expectNoEvent(t, h.events)
}

func TestInvalidCertificatesRejected(t *testing.T) {
	h := newHarness(t, nil)
	bob := newIdentity(t, h.clock, "bob")
	id, _ := bob.Current()

	impostor, err := EncodePresence(Presence{DisplayName: "carol", Certificate: id.CertificateDER(), Status: StatusOnline})
	require.NoError(t, err)
	h.deliver(impostor)

	garbage, err := EncodePresence(Presence{DisplayName: "dave", Certificate: []byte{1, 2, 3}, Status: StatusOnline})
	require.NoError(t, err)
	h.deliver(garbage)

	h.deliver([]byte{byte(frame.TypePresence), '{'})
	h.deliver(frame.Encode(frame.TypeMessage, []byte(`{}`)))

	expectNoEvent(t, h.events)
	assert.Empty(t, h.svc.Peers())
}

func TestRotationAlwaysNotifies(t *testing.T) {
	h := newHarness(t, nil)
	bob := newIdentity(t, h.clock, "bob")

	h.deliver(presenceOf(t, bob, StatusOnline))
	first := expectEvent(t, h.events, EventDiscovered)

	_, err := bob.Generate(context.Background(), "bob", 0)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	h.deliver(presenceOf(t, bob, StatusOnline))

	rotated := expectEvent(t, h.events, EventRotated)
	assert.NotEqual(t, first.Peer.SerialNumber, rotated.Peer.SerialNumber)

	pub, _ := h.svc.PublicKey("bob")
	id, _ := bob.Current()
	assert.True(t, id.PublicKey().Equal(pub))
	assert.Len(t, h.svc.Peers(), 1)
}

func TestSweepOfflineExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	bob := newIdentity(t, h.clock, "bob")
	data := presenceOf(t, bob, StatusOnline)

	h.deliver(data)
	expectEvent(t, h.events, EventDiscovered)

	h.clock.Advance(60 * time.Second)
	assert.Equal(t, 0, h.svc.Sweep(h.clock.Now()))

	h.clock.Advance(6 * time.Second)
	assert.Equal(t, 1, h.svc.Sweep(h.clock.Now()))
	ev := expectEvent(t, h.events, EventOffline)
	assert.False(t, ev.Peer.Online)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 0, h.svc.Sweep(h.clock.Now()))
	expectNoEvent(t, h.events)

	rec, ok := h.svc.Peer("bob")
	require.True(t, ok, "offline peers are not deleted")
	assert.False(t, rec.Online)
	assert.Equal(t, 0, h.svc.ActiveCount())

	h.deliver(data)
	expectEvent(t, h.events, EventDiscovered)
	rec, _ = h.svc.Peer("bob")
	assert.True(t, rec.Online)
}

func TestOfflineRequiresTrackedCertificate(t *testing.T) {
	h := newHarness(t, nil)
	bob := newIdentity(t, h.clock, "bob")
	h.deliver(presenceOf(t, bob, StatusOnline))
	expectEvent(t, h.events, EventDiscovered)

	forged, err := EncodePresence(Presence{DisplayName: "bob", Certificate: []byte("garbage"), Status: StatusOffline})
	require.NoError(t, err)
	h.deliver(forged)

	impostor := newIdentity(t, h.clock, "bob")
	h.deliver(presenceOf(t, impostor, StatusOffline))

	expectNoEvent(t, h.events)
	rec, ok := h.svc.Peer("bob")
	require.True(t, ok)
	assert.True(t, rec.Online)
	assert.Equal(t, 1, h.svc.ActiveCount())

	h.deliver(presenceOf(t, bob, StatusOffline))
	expectEvent(t, h.events, EventOffline)
	assert.Equal(t, 0, h.svc.ActiveCount())
}

func TestRediscoveryThrottled(t *testing.T) {
	h := newHarness(t, nil)
	bob := newIdentity(t, h.clock, "bob")

	h.deliver(presenceOf(t, bob, StatusOnline))
	expectEvent(t, h.events, EventDiscovered)

	h.clock.Advance(time.Second)
	h.deliver(presenceOf(t, bob, StatusOffline))
	expectEvent(t, h.events, EventOffline)

	h.clock.Advance(time.Second)
	h.deliver(presenceOf(t, bob, StatusOnline))
	expectNoEvent(t, h.events)
	rec, _ := h.svc.Peer("bob")
	assert.True(t, rec.Online, "throttling suppresses the event, not the update")

	h.deliver(presenceOf(t, bob, StatusOffline))
	expectEvent(t, h.events, EventOffline)
	h.clock.Advance(10 * time.Second)
	h.deliver(presenceOf(t, bob, StatusOnline))
	expectEvent(t, h.events, EventDiscovered)
}

func TestRemove(t *testing.T) {
	kv := store.NewMemoryKV()
	h := newHarness(t, func(c *Config) { c.Store = kv })
	bob := newIdentity(t, h.clock, "bob")

	h.deliver(presenceOf(t, bob, StatusOnline))
	expectEvent(t, h.events, EventDiscovered)
	_, err := kv.Get(context.Background(), "peer/bob")
	require.NoError(t, err)

	assert.True(t, h.svc.Remove(context.Background(), "bob"))
	expectEvent(t, h.events, EventRemoved)
	assert.False(t, h.svc.Remove(context.Background(), "bob"))

	_, ok := h.svc.Peer("bob")
	assert.False(t, ok)
	_, err = kv.Get(context.Background(), "peer/bob")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDirectoryRestoredOnStart(t *testing.T) {
	kv := store.NewMemoryKV()
	h := newHarness(t, func(c *Config) { c.Store = kv })
	bob := newIdentity(t, h.clock, "bob")
	h.deliver(presenceOf(t, bob, StatusOnline))
	expectEvent(t, h.events, EventDiscovered)

	cfg := DefaultConfig()
	cfg.Store = kv
	cfg.TimeProvider = h.clock
	restarted := New(newFakeNetwork(), h.self, cfg)
	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop()

	rec, ok := restarted.Peer("bob")
	require.True(t, ok)
	assert.False(t, rec.Online)
	assert.Equal(t, 0, restarted.ActiveCount())
	_, ok = restarted.PublicKey("bob")
	assert.True(t, ok)
}

func TestAnnounce(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.svc.Announce(context.Background()))
	sent := h.net.bursts()
	require.Len(t, sent, 1)
	assert.Equal(t, 5, sent[0].copies)
	assert.Equal(t, 100*time.Millisecond, sent[0].spacing)

	typ, body, err := frame.Decode(sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, frame.TypePresence, typ)
	p, err := DecodePresence(body)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.DisplayName)
	assert.Equal(t, StatusOnline, p.Status)

	// an expired identity is not advertised
	h.clock.Advance(31 * time.Minute)
	require.NoError(t, h.svc.Announce(context.Background()))
	assert.Len(t, h.net.bursts(), 1)
}

func TestStartAnnouncesImmediately(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.StartupDelay = 20 * time.Millisecond
		c.AnnounceInterval = time.Hour
	})
	require.NoError(t, h.svc.Start(context.Background()))
	require.NoError(t, h.svc.Start(context.Background()))
	assert.True(t, h.svc.IsRunning())

	assert.Eventually(t, func() bool { return len(h.net.bursts()) >= 2 }, time.Second, 5*time.Millisecond)

	bob := newIdentity(t, h.clock, "bob")
	h.net.frames.Publish(presenceOf(t, bob, StatusOnline))
	expectEventually(t, h.events, EventDiscovered)

	h.svc.Stop()
	h.svc.Stop()
	assert.False(t, h.svc.IsRunning())
}

func expectEventually(t *testing.T, ch <-chan Event, kind EventKind) {
	t.Helper()
	select {
	case ev := <-ch:
		assert.Equal(t, kind, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", kind)
	}
}
