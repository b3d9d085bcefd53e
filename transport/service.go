package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/meshtalk/hub"
	"github.com/opd-ai/meshtalk/interfaces"
	"github.com/opd-ai/meshtalk/limits"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRunning is returned by sends on a stopped transport.
	ErrNotRunning = errors.New("transport not running")

	// ErrSetup wraps socket creation, bind and join failures from Start.
	ErrSetup = errors.New("transport setup failed")
)

// Config holds the tunables of a chunked multicast transport.
type Config struct {
	ChunkSize          int
	PacingDelay        time.Duration
	ReadTimeout        time.Duration
	ReassemblyTimeout  time.Duration
	SweepInterval      time.Duration
	ProcessedCapacity  int
	ProcessedRetention time.Duration
	MaxPending         int
	SubscriberBuffer   int
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          limits.MaxChunkPayload,
		PacingDelay:        2 * time.Millisecond,
		ReadTimeout:        250 * time.Millisecond,
		ReassemblyTimeout:  30 * time.Second,
		SweepInterval:      30 * time.Second,
		ProcessedCapacity:  4096,
		ProcessedRetention: 5 * time.Minute,
		MaxPending:         1024,
		SubscriberBuffer:   64,
	}
}

// MulticastTransport owns the single shared datagram socket of a process.
// It splits outbound payloads into chunks, reassembles inbound chunks, drops
// repeated bursts and fans completed payloads out to every subscriber.
type MulticastTransport struct {
	cfg    Config
	opener interfaces.PacketConnOpener
	frames *hub.Hub[[]byte]
	reasm  *Reassembler

	mu      sync.Mutex
	conn    net.PacketConn
	group   net.Addr
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// writeMu serializes writers so pacing applies per transaction.
	writeMu sync.Mutex
}

var _ interfaces.Transport = (*MulticastTransport)(nil)

// New creates a stopped transport that will open its socket through opener.
func New(opener interfaces.PacketConnOpener, cfg Config) *MulticastTransport {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = limits.MaxChunkPayload
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 250 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	processed := NewProcessedSet(cfg.ProcessedCapacity, cfg.ProcessedRetention)
	return &MulticastTransport{
		cfg:    cfg,
		opener: opener,
		frames: hub.New[[]byte]("transport"),
		reasm:  NewReassembler(processed, cfg.ReassemblyTimeout, cfg.MaxPending),
	}
}

// Start opens the socket and launches the receive and sweep loops. Calling
// Start on a running transport is a no-op. On failure the transport stays
// inert and Start may be retried.
func (t *MulticastTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}
	if err := limits.ValidateChunkSize(t.cfg.ChunkSize); err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}

	conn, group, err := t.opener.Open(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MulticastTransport.Start",
			"error":    err.Error(),
		}).Error("Failed to open multicast socket")
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.group = group
	t.cancel = cancel
	t.running = true

	t.wg.Add(2)
	go t.receiveLoop(loopCtx, conn)
	go t.sweepLoop(loopCtx)

	logrus.WithFields(logrus.Fields{
		"function":   "MulticastTransport.Start",
		"group":      group.String(),
		"local_addr": conn.LocalAddr().String(),
		"chunk_size": t.cfg.ChunkSize,
	}).Info("Transport started")
	return nil
}

// Stop closes the socket, which unblocks the receive loop, and waits for
// both loops to exit. Subscribers stay registered across restarts.
func (t *MulticastTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancel()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	t.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "MulticastTransport.Stop",
	}).Info("Transport stopped")
}

// IsRunning reports whether the transport is started.
func (t *MulticastTransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Subscribe registers a consumer of reassembled payloads.
func (t *MulticastTransport) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = t.cfg.SubscriberBuffer
	}
	return t.frames.Subscribe(buffer)
}

// Send writes data once under a fresh transaction ID.
func (t *MulticastTransport) Send(ctx context.Context, data []byte) error {
	return t.SendBurst(ctx, data, 1, 0)
}

// SendBurst writes the same transaction copies times, waiting spacing
// between copies. Receivers drop every copy after the first completes.
// OS errors are logged and returned; nothing is retried here.
func (t *MulticastTransport) SendBurst(ctx context.Context, data []byte, copies int, spacing time.Duration) error {
	if copies < 1 {
		copies = 1
	}

	t.mu.Lock()
	conn, group := t.conn, t.group
	t.mu.Unlock()
	if conn == nil {
		return ErrNotRunning
	}

	datagrams, err := SplitPayload(TransactionID(uuid.New()), data, t.cfg.ChunkSize)
	if err != nil {
		return err
	}

	for i := 0; i < copies; i++ {
		if i > 0 {
			if err := sleepContext(ctx, spacing); err != nil {
				return err
			}
		}
		if err := t.writeDatagrams(ctx, conn, group, datagrams); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "MulticastTransport.SendBurst",
				"copy":     i,
				"chunks":   len(datagrams),
				"error":    err.Error(),
			}).Warn("Failed to send datagram")
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "MulticastTransport.SendBurst",
		"bytes":    len(data),
		"chunks":   len(datagrams),
		"copies":   copies,
	}).Debug("Sent transaction")
	return nil
}

// writeDatagrams writes one copy of a transaction with pacing between chunks.
func (t *MulticastTransport) writeDatagrams(ctx context.Context, conn net.PacketConn, group net.Addr, datagrams [][]byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for i, datagram := range datagrams {
		if i > 0 {
			if err := sleepContext(ctx, t.cfg.PacingDelay); err != nil {
				return err
			}
		}
		if _, err := conn.WriteTo(datagram, group); err != nil {
			return err
		}
	}
	return nil
}

// receiveLoop reads datagrams until the socket is closed. Reads poll with a
// short deadline so cancellation is observed promptly.
func (t *MulticastTransport) receiveLoop(ctx context.Context, conn net.PacketConn) {
	defer t.wg.Done()

	buffer := make([]byte, limits.MaxDatagram+512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "MulticastTransport.receiveLoop",
				"error":    err.Error(),
			}).Debug("Read error, continuing")
			_ = sleepContext(ctx, 10*time.Millisecond)
			continue
		}

		t.handleDatagram(buffer[:n], addr)
	}
}

// handleDatagram feeds one datagram to the reassembler and publishes any
// completed payload.
func (t *MulticastTransport) handleDatagram(datagram []byte, addr net.Addr) {
	payload, complete, err := t.reasm.Accept(datagram, time.Now())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MulticastTransport.handleDatagram",
			"from":     addrString(addr),
			"size":     len(datagram),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}
	if !complete {
		return
	}
	t.frames.Publish(payload)
}

func (t *MulticastTransport) sweepLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.reasm.Sweep(now)
		}
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
