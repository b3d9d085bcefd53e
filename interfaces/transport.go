package interfaces

import (
	"context"
	"net"
	"time"
)

// Sender emits payloads to the multicast group.
type Sender interface {
	// Send chunks data under a fresh transaction ID and writes it once.
	Send(ctx context.Context, data []byte) error

	// SendBurst writes the same transaction copies times, spacing apart.
	SendBurst(ctx context.Context, data []byte, copies int, spacing time.Duration) error
}

// Stream delivers every reassembled inbound payload to each subscriber.
type Stream interface {
	// Subscribe returns a channel of payloads and a cancel function that
	// detaches the subscriber and closes the channel.
	Subscribe(buffer int) (<-chan []byte, func())
}

// Transport is a startable chunked datagram service.
type Transport interface {
	Sender
	Stream

	// Start opens the socket and launches the receive loops. It is a no-op
	// when the transport is already running.
	Start(ctx context.Context) error

	// Stop closes the socket and waits for the loops to exit.
	Stop()

	// IsRunning reports whether Start has succeeded and Stop has not been called.
	IsRunning() bool
}

// PacketConnOpener opens the shared datagram socket and returns it along
// with the group address every datagram is written to.
type PacketConnOpener interface {
	Open(ctx context.Context) (net.PacketConn, net.Addr, error)
}
