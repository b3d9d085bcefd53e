// Package bridge exposes a running node to local user interfaces over HTTP.
//
// Routes:
//
//	GET    /identity            current identity and lifecycle state
//	POST   /identity            generate an ephemeral identity
//	GET    /identity/bundle     export the identity bundle
//	PUT    /identity/bundle     import an identity bundle
//	DELETE /identity            clear the identity
//	GET    /peers               discovered peers
//	DELETE /peers/{name}        forget a peer
//	POST   /messages            send a message
//	GET    /messages/{peer}     archived messages exchanged with peer
//	GET    /events              websocket stream of messages, peer and
//	                            identity events
//
// The bridge is meant to listen on loopback only; it performs no
// authentication of its own. To keep web pages from driving it through a
// browser, JSON bodies must be sent as application/json and /events
// accepts only a missing or loopback Origin.
package bridge
