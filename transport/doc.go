// Package transport carries opaque payloads between meshtalk nodes over a
// single shared UDP multicast socket.
//
// # Wire Format
//
// Payloads larger than one datagram are split into chunks. Every datagram
// starts with a 20-byte header:
//
//	+----------------------+----------------+----------------+---------+
//	| transaction ID (16)  | sequence (u16) | total (u16)    | payload |
//	+----------------------+----------------+----------------+---------+
//
// Integers are big-endian. Sequence numbers run from 0 to total-1 and chunk
// payloads are at most 1400 bytes, which keeps every datagram under common
// Ethernet MTUs.
//
// # Reassembly
//
// The Reassembler keeps one pending transaction per ID and completes it when
// every sequence number has arrived, concatenating chunks in order. Completed
// IDs enter a ProcessedSet so later copies of the same burst are dropped.
// Incomplete transactions older than 30 seconds are discarded by the sweep.
//
//	payload, complete, err := reasm.Accept(datagram, time.Now())
//
// # Service
//
// MulticastTransport owns the socket and exposes the interfaces.Transport
// contract:
//
//	t := transport.New(&transport.MulticastOpener{
//	    Group: "239.255.77.77",
//	    Port:  47474,
//	    TTL:   32,
//	}, transport.DefaultConfig())
//	if err := t.Start(ctx); err != nil {
//	    return err
//	}
//	defer t.Stop()
//
//	frames, cancel := t.Subscribe(64)
//	defer cancel()
//	err := t.SendBurst(ctx, data, 5, 100*time.Millisecond)
//
// Send failures are logged and returned; retransmission belongs to the
// delivery queue above this layer.
//
// # Sockets
//
// MulticastOpener binds the port on all interfaces with address reuse
// enabled, so several processes on one host can share the group, and joins
// the group on every active IPv4 interface that supports multicast. Tests
// use the simnet package instead, which satisfies the same
// interfaces.PacketConnOpener contract.
package transport
