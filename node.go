package meshtalk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshtalk/discovery"
	"github.com/opd-ai/meshtalk/identity"
	"github.com/opd-ai/meshtalk/interfaces"
	"github.com/opd-ai/meshtalk/messaging"
	"github.com/opd-ai/meshtalk/store"
	"github.com/opd-ai/meshtalk/transport"
	"github.com/sirupsen/logrus"
)

// ErrNotRunning is returned by operations that need a started node.
var ErrNotRunning = errors.New("node not running")

// offlineTimeout bounds the goodbye announcement sent by Stop.
const offlineTimeout = 2 * time.Second

// Node wires the transport, identity, discovery and messaging services of
// one participant and supervises their lifecycle.
type Node struct {
	opts       Options
	transport  *transport.MulticastTransport
	identity   *identity.Manager
	discovery  *discovery.Service
	queue      *messaging.OutboundQueue
	outbox     *messaging.Outbox
	dispatcher *messaging.Dispatcher
	archive    store.Archive
	closers    []func(context.Context) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// lifecycleMu guards starting and stopping services. It is taken before mu.
	lifecycleMu sync.Mutex
	depCancel   context.CancelFunc
	depWg       sync.WaitGroup
}

// New creates a stopped node. Configured Redis and MongoDB backends are
// dialed here.
func New(ctx context.Context, options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	n := &Node{opts: opts}

	kv, err := n.openKV(ctx)
	if err != nil {
		n.closeStores(ctx)
		return nil, err
	}
	if n.archive, err = n.openArchive(ctx); err != nil {
		n.closeStores(ctx)
		return nil, err
	}

	idCfg := identity.DefaultConfig()
	idCfg.Store = kv
	idCfg.TimeProvider = opts.TimeProvider
	if opts.Passphrase != "" {
		idCfg.Passphrase = []byte(opts.Passphrase)
	}
	if n.identity, err = identity.NewManager(idCfg); err != nil {
		n.closeStores(ctx)
		return nil, err
	}

	trCfg := transport.DefaultConfig()
	if opts.Transport != nil {
		trCfg = *opts.Transport
	}
	n.transport = transport.New(n.opener(), trCfg)

	discCfg := discovery.DefaultConfig()
	if opts.Discovery != nil {
		discCfg = *opts.Discovery
	}
	discCfg.Store = kv
	discCfg.TimeProvider = opts.TimeProvider
	n.discovery = discovery.New(n.transport, n.identity, discCfg)

	queueCfg := messaging.DefaultQueueConfig()
	if opts.Queue != nil {
		queueCfg = *opts.Queue
	}
	queueCfg.TimeProvider = opts.TimeProvider
	n.queue = messaging.NewOutboundQueue(n.transport, queueCfg)

	n.outbox = messaging.NewOutbox(n.identity, n.discovery, n.queue, messaging.OutboxConfig{
		Archive:      n.archive,
		TimeProvider: opts.TimeProvider,
	})

	dispCfg := messaging.DefaultDispatcherConfig()
	dispCfg.Archive = n.archive
	dispCfg.Notifier = opts.Notifier
	dispCfg.TimeProvider = opts.TimeProvider
	n.dispatcher = messaging.NewDispatcher(n.transport, n.identity, n.discovery, n.queue, dispCfg)

	return n, nil
}

func (n *Node) openKV(ctx context.Context) (store.KV, error) {
	if n.opts.RedisAddr == "" {
		return store.NewMemoryKV(), nil
	}
	kv, err := store.DialRedis(ctx, n.opts.RedisAddr, n.opts.RedisPassword, n.opts.RedisDB, n.opts.RedisNamespace)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, func(context.Context) error { return kv.Close() })
	return kv, nil
}

func (n *Node) openArchive(ctx context.Context) (store.Archive, error) {
	if n.opts.MongoURI == "" {
		return store.NewMemoryArchive(), nil
	}
	archive, client, err := store.DialMongo(ctx, n.opts.MongoURI, n.opts.MongoDatabase)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, client.Disconnect)
	return archive, nil
}

func (n *Node) opener() interfaces.PacketConnOpener {
	if n.opts.Opener != nil {
		return n.opts.Opener
	}
	return &transport.MulticastOpener{
		Group:     n.opts.Group,
		Port:      n.opts.Port,
		Interface: n.opts.Interface,
		TTL:       n.opts.TTL,
		Loopback:  n.opts.Loopback,
	}
}

// Start restores the persisted identity, generates one for DisplayName if
// none was restored, opens the transport and starts every service. If the
// transport cannot be opened the node stays stopped and Start may be
// retried.
func (n *Node) Start(ctx context.Context) error {
	// lifecycleMu before mu, the same order RestartAll takes them.
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}
	if err := n.identity.Load(ctx); err != nil {
		return err
	}
	if n.opts.DisplayName != "" && n.identity.State() == identity.StateUnenrolled {
		if _, err := n.identity.Generate(ctx, n.opts.DisplayName, 0); err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}
	}

	if err := n.transport.Start(ctx); err != nil {
		return err
	}
	n.startDependents(ctx)

	events, unsubscribe := n.identity.Subscribe(8)
	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = func() {
		cancel()
		unsubscribe()
	}
	n.running = true

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.identity.Run(loopCtx)
	}()
	go n.watchIdentity(loopCtx, events)

	logrus.WithFields(logrus.Fields{
		"function":     "Node.Start",
		"display_name": n.identity.DisplayName(),
		"state":        n.identity.State().String(),
	}).Info("Node started")
	return nil
}

// Stop silences the announce loop, tells peers this node is leaving and
// stops every service. The node may be started again.
func (n *Node) Stop(ctx context.Context) {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	cancel := n.cancel
	n.mu.Unlock()

	cancel()
	n.wg.Wait()

	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	n.discovery.Stop()
	offlineCtx, done := context.WithTimeout(ctx, offlineTimeout)
	if err := n.discovery.AnnounceOffline(offlineCtx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.Stop",
			"error":    err.Error(),
		}).Warn("Failed to announce offline status")
	}
	done()

	n.transport.Stop()
	n.stopDependents()

	logrus.WithFields(logrus.Fields{
		"function": "Node.Stop",
	}).Info("Node stopped")
}

// Close stops the node, ends every delivery and peer subscription and
// releases its store connections.
func (n *Node) Close(ctx context.Context) error {
	n.Stop(ctx)
	n.dispatcher.Close()
	n.discovery.Close()
	return n.closeStores(ctx)
}

func (n *Node) closeStores(ctx context.Context) error {
	var errs []error
	for _, closeFn := range n.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// IsRunning reports whether the node is started.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// RestartAll tears down the transport and every dependent service, waits
// RestartDelay and brings them back up in the same order. A transport that
// fails to reopen leaves the dependents stopped until the next call.
func (n *Node) RestartAll(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if !n.IsRunning() {
		return ErrNotRunning
	}

	logrus.WithFields(logrus.Fields{
		"function": "Node.RestartAll",
		"delay":    n.opts.RestartDelay,
	}).Info("Restarting services")

	n.transport.Stop()
	n.stopDependents()

	if n.opts.RestartDelay > 0 {
		timer := time.NewTimer(n.opts.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := n.transport.Start(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.RestartAll",
			"error":    err.Error(),
		}).Error("Transport failed to restart")
		return err
	}
	n.startDependents(ctx)
	return nil
}

// startDependents starts discovery, the dispatcher and the queue loop.
// Callers hold lifecycleMu.
func (n *Node) startDependents(ctx context.Context) {
	if n.depCancel != nil {
		return
	}
	if err := n.discovery.Start(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.startDependents",
			"error":    err.Error(),
		}).Error("Failed to start discovery")
	}
	if err := n.dispatcher.Start(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.startDependents",
			"error":    err.Error(),
		}).Error("Failed to start dispatcher")
	}

	depCtx, cancel := context.WithCancel(context.Background())
	n.depCancel = cancel
	n.depWg.Add(1)
	go func() {
		defer n.depWg.Done()
		n.queue.Run(depCtx)
	}()
}

// stopDependents is the inverse of startDependents. Callers hold
// lifecycleMu.
func (n *Node) stopDependents() {
	if n.depCancel != nil {
		n.depCancel()
		n.depWg.Wait()
		n.depCancel = nil
	}
	n.discovery.Stop()
	n.dispatcher.Stop()
}

// watchIdentity restarts every service when the identity changes, so
// discovery and messaging pick up the new certificate from a clean state.
func (n *Node) watchIdentity(ctx context.Context, events <-chan identity.Event) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == identity.EventExpired {
				logrus.WithFields(logrus.Fields{
					"function":     "Node.watchIdentity",
					"display_name": ev.DisplayName,
				}).Warn("Identity expired, announcements suspended")
				continue
			}
			if err := n.RestartAll(ctx); err != nil && ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "Node.watchIdentity",
					"event":    ev.Kind.String(),
					"error":    err.Error(),
				}).Warn("Restart after identity change failed")
			}
		}
	}
}

// Identity returns the identity manager.
func (n *Node) Identity() *identity.Manager { return n.identity }

// Discovery returns the discovery service.
func (n *Node) Discovery() *discovery.Service { return n.discovery }

// Queue returns the outbound delivery queue.
func (n *Node) Queue() *messaging.OutboundQueue { return n.queue }

// Peers returns every known peer.
func (n *Node) Peers() []discovery.PeerRecord { return n.discovery.Peers() }

// RemovePeer forgets a peer.
func (n *Node) RemovePeer(ctx context.Context, username string) bool {
	return n.discovery.Remove(ctx, username)
}

// Send queues payloads for recipient, or for everyone with
// messaging.BroadcastRecipient.
func (n *Node) Send(ctx context.Context, recipient string, payloads []messaging.Payload) (*messaging.Message, error) {
	if !n.IsRunning() {
		return nil, ErrNotRunning
	}
	return n.outbox.Send(ctx, recipient, payloads)
}

// SendText queues a text message for recipient.
func (n *Node) SendText(ctx context.Context, recipient, text string) (*messaging.Message, error) {
	return n.Send(ctx, recipient, []messaging.Payload{{MimeType: messaging.MimeText, Data: []byte(text)}})
}

// Subscribe registers a consumer of inbound messages.
func (n *Node) Subscribe(buffer int) (<-chan messaging.Delivery, func()) {
	return n.dispatcher.Subscribe(buffer)
}

// SubscribePeers registers a consumer of discovery events.
func (n *Node) SubscribePeers(buffer int) (<-chan discovery.Event, func()) {
	return n.discovery.Subscribe(buffer)
}

// History returns up to limit archived messages exchanged with peer,
// oldest first.
func (n *Node) History(ctx context.Context, peer string, limit int) ([]store.Record, error) {
	return n.archive.List(ctx, peer, limit)
}
