package bridge

import (
	"time"

	"github.com/opd-ai/meshtalk/discovery"
	"github.com/opd-ai/meshtalk/identity"
	"github.com/opd-ai/meshtalk/messaging"
	"github.com/opd-ai/meshtalk/store"
)

type identityView struct {
	State       string     `json:"state"`
	DisplayName string     `json:"display_name,omitempty"`
	Serial      string     `json:"serial,omitempty"`
	NotBefore   *time.Time `json:"not_before,omitempty"`
	NotAfter    *time.Time `json:"not_after,omitempty"`
	Imported    bool       `json:"imported,omitempty"`
	Certificate []byte     `json:"certificate,omitempty"`
}

func newIdentityView(id *identity.Identity, state identity.State) identityView {
	v := identityView{State: state.String()}
	if id == nil {
		return v
	}
	v.DisplayName = id.DisplayName
	v.Serial = id.SerialNumber().Text(16)
	v.NotBefore = &id.NotBefore
	v.NotAfter = &id.NotAfter
	v.Imported = id.Imported
	v.Certificate = id.CertificateDER()
	return v
}

type peerView struct {
	Username     string    `json:"username"`
	SerialNumber string    `json:"serial"`
	NotAfter     time.Time `json:"not_after"`
	LastSeen     time.Time `json:"last_seen"`
	Online       bool      `json:"online"`
}

func newPeerView(rec discovery.PeerRecord) peerView {
	return peerView{
		Username:     rec.Username,
		SerialNumber: rec.SerialNumber,
		NotAfter:     rec.NotAfter,
		LastSeen:     rec.LastSeen,
		Online:       rec.Online,
	}
}

type payloadView struct {
	MimeType string            `json:"mime_type"`
	Data     []byte            `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type messageView struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Recipient string        `json:"recipient"`
	CreatedAt time.Time     `json:"created_at"`
	Payloads  []payloadView `json:"payloads"`
}

func newMessageView(m *messaging.Message) messageView {
	v := messageView{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		CreatedAt: m.CreatedAt,
		Payloads:  make([]payloadView, len(m.Payloads)),
	}
	for i, p := range m.Payloads {
		v.Payloads[i] = payloadView{MimeType: p.MimeType, Data: p.Data, Metadata: p.Metadata}
	}
	return v
}

// sendRequest is the body of POST /messages. Text is shorthand for a
// single text payload.
type sendRequest struct {
	Recipient string        `json:"recipient"`
	Text      string        `json:"text,omitempty"`
	Payloads  []payloadView `json:"payloads,omitempty"`
}

type generateRequest struct {
	DisplayName string `json:"display_name"`
	// Validity is a Go duration string; empty uses the configured default.
	Validity string `json:"validity,omitempty"`
}

// event is one frame of the /events stream.
type event struct {
	Type     string        `json:"type"`
	Kind     string        `json:"kind,omitempty"`
	Message  *messageView  `json:"message,omitempty"`
	Peer     *peerView     `json:"peer,omitempty"`
	Identity *identityView `json:"identity,omitempty"`
}

func recordsView(recs []store.Record) []store.Record {
	if recs == nil {
		return []store.Record{}
	}
	return recs
}
