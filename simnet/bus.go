package simnet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/meshtalk/interfaces"
	"github.com/sirupsen/logrus"
)

// ErrOpenRefused is returned by Open while the bus is configured to refuse
// new members.
var ErrOpenRefused = errors.New("simnet: open refused")

// Options configures fault injection on a Bus.
type Options struct {
	LossRate      float64       // probability a datagram copy is dropped
	DuplicateRate float64       // probability a datagram copy is delivered twice
	MaxJitter     time.Duration // random per-copy delay, which reorders datagrams
	Loopback      bool          // deliver a member's own datagrams back to it
	Seed          int64
	InboxSize     int
}

// Stats counts bus activity.
type Stats struct {
	Written    int
	Delivered  int
	Dropped    int
	Duplicated int
}

// Bus is an in-memory multicast segment.
type Bus struct {
	opts Options

	mu      sync.Mutex
	rng     *rand.Rand
	members map[int]*Conn
	nextID  int
	refuse  bool
	stats   Stats
}

// NewBus creates an empty segment.
func NewBus(opts Options) *Bus {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 4096
	}
	return &Bus{
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		members: make(map[int]*Conn),
	}
}

// GroupAddr is the address every member writes to.
var GroupAddr net.Addr = &net.UDPAddr{IP: net.IPv4(239, 255, 77, 77), Port: 47474}

// Opener returns a PacketConnOpener that attaches a new member per Open.
func (b *Bus) Opener() interfaces.PacketConnOpener {
	return openerFunc(func(ctx context.Context) (net.PacketConn, net.Addr, error) {
		c, err := b.Join()
		if err != nil {
			return nil, nil, err
		}
		return c, GroupAddr, nil
	})
}

type openerFunc func(ctx context.Context) (net.PacketConn, net.Addr, error)

func (f openerFunc) Open(ctx context.Context) (net.PacketConn, net.Addr, error) { return f(ctx) }

// Join attaches a new member to the bus.
func (b *Bus) Join() (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refuse {
		return nil, ErrOpenRefused
	}
	id := b.nextID
	b.nextID++
	c := &Conn{
		bus:   b,
		id:    id,
		addr:  &net.UDPAddr{IP: net.IPv4(10, 77, byte(id>>8), byte(id)), Port: 47474},
		inbox: make(chan datagram, b.opts.InboxSize),
		done:  make(chan struct{}),
	}
	b.members[id] = c

	logrus.WithFields(logrus.Fields{
		"function":   "Bus.Join",
		"simulation": true,
		"member":     id,
		"members":    len(b.members),
	}).Debug("Member joined simulated segment")
	return c, nil
}

// SetRefuseOpen makes subsequent Open calls fail until reset.
func (b *Bus) SetRefuseOpen(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

// SetLossRate changes the loss probability of subsequent writes.
func (b *Bus) SetLossRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts.LossRate = rate
}

// Members returns the number of attached members.
func (b *Bus) Members() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Bus) leave(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, id)
}

// broadcast copies payload to every member subject to fault injection.
func (b *Bus) broadcast(from *Conn, payload []byte) {
	b.mu.Lock()
	b.stats.Written++
	type delivery struct {
		to    *Conn
		delay time.Duration
	}
	var deliveries []delivery
	for id, member := range b.members {
		if id == from.id && !b.opts.Loopback {
			continue
		}
		if b.opts.LossRate > 0 && b.rng.Float64() < b.opts.LossRate {
			b.stats.Dropped++
			continue
		}
		copies := 1
		if b.opts.DuplicateRate > 0 && b.rng.Float64() < b.opts.DuplicateRate {
			copies = 2
			b.stats.Duplicated++
		}
		for i := 0; i < copies; i++ {
			var delay time.Duration
			if b.opts.MaxJitter > 0 {
				delay = time.Duration(b.rng.Int63n(int64(b.opts.MaxJitter)))
			}
			deliveries = append(deliveries, delivery{to: member, delay: delay})
		}
	}
	b.stats.Delivered += len(deliveries)
	b.mu.Unlock()

	for _, d := range deliveries {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		dg := datagram{data: buf, from: from.addr}
		if d.delay > 0 {
			to := d.to
			time.AfterFunc(d.delay, func() { to.enqueue(dg) })
			continue
		}
		d.to.enqueue(dg)
	}
}

type datagram struct {
	data []byte
	from net.Addr
}

// Conn is one member's attachment to the bus. It implements net.PacketConn.
type Conn struct {
	bus   *Bus
	id    int
	addr  net.Addr
	inbox chan datagram
	done  chan struct{}

	mu        sync.Mutex
	deadline  time.Time
	closeOnce sync.Once
}

var _ net.PacketConn = (*Conn)(nil)

func (c *Conn) enqueue(dg datagram) {
	select {
	case <-c.done:
	case c.inbox <- dg:
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Conn.enqueue",
			"simulation": true,
			"member":     c.id,
		}).Warn("Simulated inbox full, dropping datagram")
	}
}

// ReadFrom blocks until a datagram arrives, the deadline passes or the
// connection is closed.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, timeoutError{}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.done:
		return 0, nil, net.ErrClosed
	case dg := <-c.inbox:
		n := copy(p, dg.data)
		return n, dg.from, nil
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

// WriteTo broadcasts p to the segment; addr must be the group address.
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	if addr == nil || addr.String() != GroupAddr.String() {
		return 0, fmt.Errorf("simnet: unsupported destination %v", addr)
	}
	c.bus.broadcast(c, p)
	return len(p), nil
}

// Close detaches the member and unblocks pending reads.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.bus.leave(c.id)
	})
	return nil
}

// LocalAddr returns the member's synthetic address.
func (c *Conn) LocalAddr() net.Addr { return c.addr }

// SetDeadline sets the read deadline; writes never block.
func (c *Conn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

// SetReadDeadline sets the read deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// SetWriteDeadline is a no-op.
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "simnet: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
