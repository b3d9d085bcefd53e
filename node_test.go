package meshtalk

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/meshtalk/discovery"
	"github.com/opd-ai/meshtalk/interfaces"
	"github.com/opd-ai/meshtalk/messaging"
	"github.com/opd-ai/meshtalk/simnet"
	"github.com/opd-ai/meshtalk/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastOptions shrinks every interval so simulated nodes converge quickly.
func fastOptions(bus *simnet.Bus, name string) *Options {
	opts := NewOptions()
	opts.DisplayName = name
	opts.Opener = bus.Opener()
	opts.RestartDelay = 10 * time.Millisecond

	disc := discovery.DefaultConfig()
	disc.AnnounceInterval = 50 * time.Millisecond
	disc.StartupDelay = 20 * time.Millisecond
	disc.BurstCopies = 2
	disc.BurstSpacing = time.Millisecond
	disc.SweepInterval = 50 * time.Millisecond
	disc.StaleTimeout = 2 * time.Second
	disc.NotifyThrottle = 0
	opts.Discovery = &disc

	queue := messaging.DefaultQueueConfig()
	queue.Interval = 50 * time.Millisecond
	queue.BurstCopies = 2
	queue.BurstSpacing = time.Millisecond
	opts.Queue = &queue
	return opts
}

func startNode(t *testing.T, opts *Options) *Node {
	t.Helper()
	ctx := context.Background()
	node, err := New(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, node.Start(ctx))
	t.Cleanup(func() { _ = node.Close(context.Background()) })
	return node
}

func waitForPeer(t *testing.T, node *Node, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := node.Discovery().PublicKey(name)
		return ok
	}, 3*time.Second, 10*time.Millisecond, "%s never discovered", name)
}

func waitForPeerEvent(t *testing.T, events <-chan discovery.Event, kind discovery.EventKind, name string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind && ev.Peer.Username == name {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", kind, name)
		}
	}
}

func receive(t *testing.T, deliveries <-chan messaging.Delivery) messaging.Delivery {
	t.Helper()
	select {
	case d := <-deliveries:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery")
		return messaging.Delivery{}
	}
}

// TestNodesExchangeMessage covers the full path: bob discovers alice,
// seals a message to her key, alice decrypts it and acknowledges, and the
// acknowledgement empties bob's queue.
func TestNodesExchangeMessage(t *testing.T) {
	ctx := context.Background()
	bus := simnet.NewBus(simnet.Options{Loopback: true, Seed: 1})
	alice := startNode(t, fastOptions(bus, "alice"))
	bob := startNode(t, fastOptions(bus, "bob"))

	deliveries, cancel := alice.Subscribe(4)
	defer cancel()

	waitForPeer(t, bob, "alice")
	sent, err := bob.SendText(ctx, "alice", "hi")
	require.NoError(t, err)

	d := receive(t, deliveries)
	assert.Equal(t, sent.ID, d.Message.ID)
	assert.Equal(t, "bob", d.Message.Sender)
	assert.Equal(t, []byte("hi"), d.Message.Payloads[0].Data)

	require.Eventually(t, func() bool { return bob.Queue().Len() == 0 }, 3*time.Second, 10*time.Millisecond)

	history, err := alice.History(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.Inbound, history[0].Direction)

	require.Eventually(t, func() bool {
		out, err := bob.History(ctx, "alice", 0)
		return err == nil && len(out) == 1 && out[0].Acked
	}, time.Second, 10*time.Millisecond)

	select {
	case extra := <-deliveries:
		t.Fatalf("message delivered twice: %s", extra.Message.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNodesSurviveLossyNetwork(t *testing.T) {
	ctx := context.Background()
	bus := simnet.NewBus(simnet.Options{Loopback: true, Seed: 7, DuplicateRate: 0.2, MaxJitter: 5 * time.Millisecond})
	alice := startNode(t, fastOptions(bus, "alice"))
	bob := startNode(t, fastOptions(bus, "bob"))
	waitForPeer(t, bob, "alice")
	waitForPeer(t, alice, "bob")

	deliveries, cancel := alice.Subscribe(4)
	defer cancel()

	bus.SetLossRate(0.4)
	_, err := bob.SendText(ctx, "alice", "through the noise")
	require.NoError(t, err)

	d := receive(t, deliveries)
	assert.Equal(t, []byte("through the noise"), d.Message.Payloads[0].Data)
	require.Eventually(t, func() bool { return bob.Queue().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestIdentityRotationRestartsServices(t *testing.T) {
	ctx := context.Background()
	bus := simnet.NewBus(simnet.Options{Loopback: true, Seed: 2})
	alice := startNode(t, fastOptions(bus, "alice"))
	bob := startNode(t, fastOptions(bus, "bob"))
	waitForPeer(t, bob, "alice")

	events, cancel := bob.SubscribePeers(32)
	defer cancel()
	before, _ := bob.Discovery().Peer("alice")

	_, err := alice.Identity().Generate(ctx, "alice", 0)
	require.NoError(t, err)
	waitForPeerEvent(t, events, discovery.EventRotated, "alice")

	after, _ := bob.Discovery().Peer("alice")
	assert.NotEqual(t, before.SerialNumber, after.SerialNumber)
	assert.True(t, alice.IsRunning())

	deliveries, cancelDeliveries := alice.Subscribe(4)
	defer cancelDeliveries()
	_, err = bob.SendText(ctx, "alice", "new key")
	require.NoError(t, err)
	assert.Equal(t, []byte("new key"), receive(t, deliveries).Message.Payloads[0].Data)
}

func TestStopAnnouncesOffline(t *testing.T) {
	bus := simnet.NewBus(simnet.Options{Loopback: true, Seed: 3})
	alice := startNode(t, fastOptions(bus, "alice"))
	bob := startNode(t, fastOptions(bus, "bob"))
	waitForPeer(t, bob, "alice")

	events, cancel := bob.SubscribePeers(32)
	defer cancel()

	alice.Stop(context.Background())
	assert.False(t, alice.IsRunning())
	waitForPeerEvent(t, events, discovery.EventOffline, "alice")

	rec, ok := bob.Discovery().Peer("alice")
	require.True(t, ok)
	assert.False(t, rec.Online)
}

func TestStartFailsWhileSocketUnavailable(t *testing.T) {
	ctx := context.Background()
	bus := simnet.NewBus(simnet.Options{Loopback: true})
	node, err := New(ctx, fastOptions(bus, "alice"))
	require.NoError(t, err)
	defer node.Close(ctx)

	bus.SetRefuseOpen(true)
	require.Error(t, node.Start(ctx))
	assert.False(t, node.IsRunning())
	assert.ErrorIs(t, node.RestartAll(ctx), ErrNotRunning)
	_, err = node.SendText(ctx, messaging.BroadcastRecipient, "hi")
	assert.ErrorIs(t, err, ErrNotRunning)

	bus.SetRefuseOpen(false)
	require.NoError(t, node.Start(ctx))
	assert.True(t, node.IsRunning())
	assert.Equal(t, 1, bus.Members())
}

func TestRestartAllReopensTransport(t *testing.T) {
	ctx := context.Background()
	bus := simnet.NewBus(simnet.Options{Loopback: true})
	node := startNode(t, fastOptions(bus, "alice"))

	require.NoError(t, node.RestartAll(ctx))
	assert.True(t, node.IsRunning())
	assert.True(t, node.Discovery().IsRunning())
	assert.Equal(t, 1, bus.Members())

	// a failed reopen leaves the node running but detached until retried
	bus.SetRefuseOpen(true)
	require.Error(t, node.RestartAll(ctx))
	assert.Equal(t, 0, bus.Members())
	assert.False(t, node.Discovery().IsRunning())

	bus.SetRefuseOpen(false)
	require.NoError(t, node.RestartAll(ctx))
	assert.Equal(t, 1, bus.Members())
	assert.True(t, node.Discovery().IsRunning())
}

// slowOpener delays every Open and signals the first one.
type slowOpener struct {
	inner   interfaces.PacketConnOpener
	delay   time.Duration
	entered chan struct{}
	once    sync.Once
}

func (o *slowOpener) Open(ctx context.Context) (net.PacketConn, net.Addr, error) {
	o.once.Do(func() { close(o.entered) })
	time.Sleep(o.delay)
	return o.inner.Open(ctx)
}

func TestRestartAllDuringStart(t *testing.T) {
	ctx := context.Background()
	bus := simnet.NewBus(simnet.Options{Loopback: true})
	opts := fastOptions(bus, "alice")
	opener := &slowOpener{inner: opts.Opener, delay: 200 * time.Millisecond, entered: make(chan struct{})}
	opts.Opener = opener
	node, err := New(ctx, opts)
	require.NoError(t, err)
	defer node.Close(ctx)

	startErr := make(chan error, 1)
	go func() { startErr <- node.Start(ctx) }()
	<-opener.entered
	time.Sleep(50 * time.Millisecond)

	restartErr := make(chan error, 1)
	go func() { restartErr <- node.RestartAll(ctx) }()

	for _, ch := range []chan error{startErr, restartErr} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("Start and RestartAll deadlocked")
		}
	}
	assert.True(t, node.IsRunning())
	assert.True(t, node.Discovery().IsRunning())
	assert.Equal(t, 1, bus.Members())
}

func TestCloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	bus := simnet.NewBus(simnet.Options{Loopback: true})
	node, err := New(ctx, fastOptions(bus, "alice"))
	require.NoError(t, err)
	require.NoError(t, node.Start(ctx))

	deliveries, cancelDeliveries := node.Subscribe(8)
	defer cancelDeliveries()
	peers, cancelPeers := node.SubscribePeers(8)
	defer cancelPeers()

	require.NoError(t, node.Close(ctx))
	assert.False(t, node.IsRunning())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-deliveries:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "delivery stream still open")
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-peers:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "peer stream still open")

	late, _ := node.Subscribe(1)
	_, ok := <-late
	assert.False(t, ok)
}

func TestNodeWithoutNameStaysUnenrolled(t *testing.T) {
	bus := simnet.NewBus(simnet.Options{Loopback: true})
	node := startNode(t, fastOptions(bus, ""))

	assert.Equal(t, "", node.Identity().DisplayName())
	_, err := node.SendText(context.Background(), messaging.BroadcastRecipient, "hi")
	assert.ErrorIs(t, err, messaging.ErrNoIdentity)
}
