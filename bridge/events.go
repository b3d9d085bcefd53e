package bridge

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/meshtalk/discovery"
	"github.com/opd-ai/meshtalk/identity"
	"github.com/opd-ai/meshtalk/messaging"
	"github.com/sirupsen/logrus"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// events upgrades to a websocket and streams deliveries, peer changes and
// identity changes until the client disconnects. Clients send nothing;
// inbound frames other than control frames are ignored.
func (s *Server) events() http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: loopbackOrigin}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Server.events",
				"error":    err.Error(),
			}).Debug("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		deliveries, cancelDeliveries := s.backend.Subscribe(eventBuffer)
		defer cancelDeliveries()
		peers, cancelPeers := s.backend.SubscribePeers(eventBuffer)
		defer cancelPeers()
		identities, cancelIdentities := s.backend.Identity().Subscribe(eventBuffer)
		defer cancelIdentities()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go readUntilClosed(conn, cancel)

		logrus.WithFields(logrus.Fields{
			"function": "Server.events",
			"remote":   r.RemoteAddr,
		}).Info("Event stream opened")

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			var ev event
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
				continue
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				ev = messageEvent(d)
			case pe, ok := <-peers:
				if !ok {
					return
				}
				ev = peerEvent(pe)
			case ie, ok := <-identities:
				if !ok {
					return
				}
				ev = s.identityEvent(ie)
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Server.events",
					"error":    err.Error(),
				}).Debug("Event stream closed")
				return
			}
		}
	}
}

// readUntilClosed drains the connection so control frames are handled and
// cancels once the client goes away.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func messageEvent(d messaging.Delivery) event {
	v := newMessageView(d.Message)
	return event{Type: "message", Message: &v}
}

func peerEvent(e discovery.Event) event {
	v := newPeerView(e.Peer)
	return event{Type: "peer", Kind: e.Kind.String(), Peer: &v}
}

func (s *Server) identityEvent(e identity.Event) event {
	id, state := s.backend.Identity().Current()
	v := newIdentityView(id, state)
	return event{Type: "identity", Kind: e.Kind.String(), Identity: &v}
}

// loopbackOrigin accepts clients that send no Origin, such as native tools,
// and pages served from a loopback host. Any other page could otherwise read
// the stream through the visitor's browser.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
