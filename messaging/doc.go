// Package messaging carries signed protocol messages between peers with
// at-least-once delivery.
//
// An Outbox composes messages: direct messages have every payload sealed to
// the recipient's current public key, broadcast messages (recipient "*")
// travel as signed plaintext. Composed messages go to the OutboundQueue,
// which bursts them onto the group every Interval until the recipient's
// acknowledgement arrives or the retry budget for the item kind runs out.
//
// A Dispatcher consumes the transport stream. It verifies signatures
// against the sender's discovered certificate key, opens sealed payloads
// with the current or a retained previous identity key, archives and
// publishes each new message once, and acknowledges every copy it receives
// so a lost acknowledgement is repaired by the sender's next retry.
package messaging
