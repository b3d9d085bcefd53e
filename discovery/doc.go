// Package discovery announces this node on the multicast group and tracks
// the peers it hears.
//
// A Service runs three loops. The announce loop sends a presence record in
// a burst of identical copies every AnnounceInterval, plus two announcements
// right after start. The listen loop consumes the transport stream, skips
// the node's own records and maintains one PeerRecord per display name. The
// sweep loop declares peers offline once they have been silent for longer
// than StaleTimeout.
//
// Consumers learn about changes through Subscribe. EventDiscovered fires
// when a name becomes active, throttled per name; EventRotated fires every
// time a known name presents a certificate with a new serial number;
// EventOffline fires once per stale period.
package discovery
