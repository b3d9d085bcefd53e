package discovery

import (
	"testing"

	"github.com/opd-ai/meshtalk/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Presence
	}{
		{"online", Presence{DisplayName: "alice", Certificate: []byte{0x30, 0x82, 0x01}, Status: StatusOnline}},
		{"offline", Presence{DisplayName: "bob", Certificate: []byte{1, 2, 3}, Status: StatusOffline}},
		{"separator in name", Presence{DisplayName: "a|b|c", Certificate: []byte{0xff}, Status: StatusOnline}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePresence(tt.in)
			require.NoError(t, err)

			typ, body, err := frame.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, frame.TypePresence, typ)

			out, err := DecodePresence(body)
			require.NoError(t, err)
			assert.Equal(t, tt.in, out)
		})
	}
}

func TestPresenceWireShape(t *testing.T) {
	data, err := EncodePresence(Presence{DisplayName: "alice", Certificate: []byte("cert"), Status: StatusOnline})
	require.NoError(t, err)
	assert.JSONEq(t, `{"identity":"alice|Y2VydA==","status":"online"}`, string(data[1:]))
}

func TestDecodePresenceErrors(t *testing.T) {
	bodies := map[string]string{
		"not json":       `{`,
		"no separator":   `{"identity":"alice","status":"online"}`,
		"empty name":     `{"identity":"|Y2VydA==","status":"online"}`,
		"empty cert":     `{"identity":"alice|","status":"online"}`,
		"bad base64":     `{"identity":"alice|***","status":"online"}`,
		"unknown status": `{"identity":"alice|Y2VydA==","status":"away"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePresence([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedPresence)
		})
	}

	p, err := DecodePresence([]byte(`{"identity":"alice|Y2VydA=="}`))
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, p.Status, "missing status defaults to online")

	_, err = EncodePresence(Presence{DisplayName: "alice"})
	assert.ErrorIs(t, err, ErrMalformedPresence)
}
