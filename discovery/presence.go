package discovery

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/meshtalk/frame"
)

// Status is the announced availability of a peer.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ErrMalformedPresence is returned for presence bodies that do not decode.
var ErrMalformedPresence = errors.New("malformed presence record")

// identitySeparator joins display name and certificate in the identity
// field. Names may contain it; the certificate text never does.
const identitySeparator = "|"

// Presence is a decoded presence record.
type Presence struct {
	DisplayName string
	Certificate []byte
	Status      Status
}

type presenceJSON struct {
	Identity string `json:"identity"`
	Status   Status `json:"status"`
}

// EncodePresence returns the presence frame for p.
func EncodePresence(p Presence) ([]byte, error) {
	if p.DisplayName == "" || len(p.Certificate) == 0 {
		return nil, fmt.Errorf("%w: name and certificate required", ErrMalformedPresence)
	}
	body, err := json.Marshal(presenceJSON{
		Identity: p.DisplayName + identitySeparator + base64.StdEncoding.EncodeToString(p.Certificate),
		Status:   p.Status,
	})
	if err != nil {
		return nil, err
	}
	return frame.Encode(frame.TypePresence, body), nil
}

// DecodePresence parses a presence frame body.
func DecodePresence(body []byte) (Presence, error) {
	var raw presenceJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return Presence{}, fmt.Errorf("%w: %v", ErrMalformedPresence, err)
	}

	i := strings.LastIndex(raw.Identity, identitySeparator)
	if i <= 0 || i == len(raw.Identity)-1 {
		return Presence{}, fmt.Errorf("%w: identity field", ErrMalformedPresence)
	}
	cert, err := base64.StdEncoding.DecodeString(raw.Identity[i+1:])
	if err != nil {
		return Presence{}, fmt.Errorf("%w: certificate encoding: %v", ErrMalformedPresence, err)
	}

	status := raw.Status
	switch status {
	case StatusOnline, StatusOffline:
	case "":
		status = StatusOnline
	default:
		return Presence{}, fmt.Errorf("%w: status %q", ErrMalformedPresence, raw.Status)
	}

	return Presence{
		DisplayName: raw.Identity[:i],
		Certificate: cert,
		Status:      status,
	}, nil
}
