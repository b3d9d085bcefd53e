// Package interfaces defines the narrow contracts between meshtalk services.
//
// The transport, discovery, delivery queue and dispatcher are constructed
// explicitly and handed to each other through these interfaces, so the same
// service code runs against a real multicast socket or the in-memory simnet
// bus used in tests.
//
// # Core Interfaces
//
// [Sender] emits a payload to the multicast group, optionally as a burst of
// identical copies sharing one transaction ID:
//
//	err := sender.SendBurst(ctx, frame, 5, 100*time.Millisecond)
//
// [Stream] fans out every reassembled payload to each subscriber:
//
//	frames, cancel := stream.Subscribe(64)
//	defer cancel()
//	for frame := range frames {
//	    handle(frame)
//	}
//
// [PacketConnOpener] creates the single shared datagram socket. The real
// implementation joins a multicast group on every IPv4 interface; simnet
// attaches to an in-process bus.
//
// [Transport] combines the above with the Start/Stop lifecycle.
package interfaces
