package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	raw, err := MarshalPrivateKey(key)
	require.NoError(t, err)
	assert.Len(t, raw, PrivateKeySize)

	parsed, err := ParsePrivateKey(raw)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
	assert.True(t, KeysMatch(parsed, &key.PublicKey))

	pub, err := MarshalPublicKey(&parsed.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, PublicKeySize)
}

func TestParsePrivateKeyErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrInvalidKeyLength},
		{"short", make([]byte, 31), ErrInvalidKeyLength},
		{"long", make([]byte, 33), ErrInvalidKeyLength},
		{"zero scalar", make([]byte, 32), ErrInvalidKey},
		{"above order", bytes.Repeat([]byte{0xff}, 32), ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePrivateKey(tt.raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestKeysMatch(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	assert.True(t, KeysMatch(a, &a.PublicKey))
	assert.False(t, KeysMatch(a, &b.PublicKey))
	assert.False(t, KeysMatch(nil, &a.PublicKey))
	assert.False(t, KeysMatch(a, nil))
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("id|alice|bob|payload")
	sig, err := Sign(msg, key)
	require.NoError(t, err)

	assert.True(t, Verify(msg, sig, &key.PublicKey))
	assert.False(t, Verify(msg, sig, &other.PublicKey))
	assert.False(t, Verify([]byte("id|alice|bob|payload!"), sig, &key.PublicKey))
	assert.False(t, Verify(msg, nil, &key.PublicKey))

	_, err = Sign(nil, key)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}
