// Package simnet provides an in-memory multicast segment for tests and
// single-process demos.
//
// A Bus stands in for the shared L2 segment: every datagram written by a
// member is copied to every other member (and back to the sender when
// loopback is enabled). Loss, duplication and reordering can be injected to
// exercise the reassembly and retransmission paths deterministically:
//
//	bus := simnet.NewBus(simnet.Options{LossRate: 0.1, Seed: 1})
//	tr := transport.New(bus.Opener(), transport.DefaultConfig())
//
// Every operation logs through logrus with a "simulation" field so simulated
// traffic is never mistaken for real network activity.
package simnet
