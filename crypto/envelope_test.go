package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgreementKey(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	priv, err := AgreementPrivateKey(key)
	require.NoError(t, err)
	return priv
}

func TestSealOpenRoundTrip(t *testing.T) {
	recipient := newAgreementKey(t)

	for _, suite := range []CipherSuite{SuiteAES256GCM, SuiteChaCha20Poly1305} {
		for _, size := range []int{1, 15, 16, 17, 1024, 70000} {
			t.Run(suite.String(), func(t *testing.T) {
				plaintext := make([]byte, size)
				_, err := rand.Read(plaintext)
				require.NoError(t, err)

				sealed, err := SealWithSuite(plaintext, recipient.PublicKey(), suite)
				require.NoError(t, err)
				assert.True(t, IsEnvelope(sealed))

				opened, err := Open(sealed, recipient)
				require.NoError(t, err)
				assert.Equal(t, plaintext, opened)
			})
		}
	}
}

func TestSealIsNotDeterministic(t *testing.T) {
	recipient := newAgreementKey(t)
	msg := []byte("hello")

	a, err := Seal(msg, recipient.PublicKey())
	require.NoError(t, err)
	b, err := Seal(msg, recipient.PublicKey())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealRejectsEmptyPlaintext(t *testing.T) {
	recipient := newAgreementKey(t)
	_, err := Seal(nil, recipient.PublicKey())
	assert.ErrorIs(t, err, ErrEmptyPlaintext)
}

func TestSealRejectsForeignCurve(t *testing.T) {
	other, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = Seal([]byte("x"), other.PublicKey())
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	recipient := newAgreementKey(t)
	stranger := newAgreementKey(t)

	sealed, err := Seal([]byte("for recipient only"), recipient.PublicKey())
	require.NoError(t, err)

	_, err = Open(sealed, stranger)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func reencode(t *testing.T, data []byte, mutate func(*envelope)) []byte {
	t.Helper()
	var env envelope
	_, err := asn1.Unmarshal(data, &env)
	require.NoError(t, err)
	mutate(&env)
	out, err := asn1.Marshal(env)
	require.NoError(t, err)
	return out
}

func TestOpenDetectsTampering(t *testing.T) {
	recipient := newAgreementKey(t)
	sealed, err := Seal([]byte("integrity matters"), recipient.PublicKey())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*envelope)
	}{
		{"ciphertext", func(e *envelope) { e.EncryptedContent[nonceSize] ^= 0x01 }},
		{"tag", func(e *envelope) { e.EncryptedContent[len(e.EncryptedContent)-1] ^= 0x80 }},
		{"nonce", func(e *envelope) { e.EncryptedContent[0] ^= 0xff }},
		{"ephemeral key", func(e *envelope) {
			other := newAgreementKey(t)
			e.EphemeralPublicKey = other.PublicKey().Bytes()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := reencode(t, sealed, tt.mutate)
			_, err := Open(tampered, recipient)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestOpenTruncatedContent(t *testing.T) {
	recipient := newAgreementKey(t)
	sealed, err := Seal([]byte("x"), recipient.PublicKey())
	require.NoError(t, err)

	short := reencode(t, sealed, func(e *envelope) {
		e.EncryptedContent = e.EncryptedContent[:nonceSize+tagSize]
	})
	_, err = Open(short, recipient)
	assert.ErrorIs(t, err, ErrTruncatedContent)
}

func TestOpenUnsupportedEnvelope(t *testing.T) {
	recipient := newAgreementKey(t)
	sealed, err := Seal([]byte("payload"), recipient.PublicKey())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not der at all")},
		{"empty", nil},
		{"trailing bytes", append(append([]byte{}, sealed...), 0x00)},
		{"version", reencode(t, sealed, func(e *envelope) { e.Version = 2 })},
		{"kdf", reencode(t, sealed, func(e *envelope) {
			e.KeyDerivation.Algorithm = asn1.ObjectIdentifier{1, 2, 3}
		})},
		{"cipher", reencode(t, sealed, func(e *envelope) {
			e.ContentEncryption.Algorithm = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
		})},
		{"key agreement", reencode(t, sealed, func(e *envelope) {
			e.KeyAgreement.Algorithm = asn1.ObjectIdentifier{1, 3, 101, 110}
		})},
		{"ephemeral length", reencode(t, sealed, func(e *envelope) {
			e.EphemeralPublicKey = e.EphemeralPublicKey[:33]
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.data, recipient)
			assert.ErrorIs(t, err, ErrUnsupportedEnvelope)
			assert.False(t, IsEnvelope(tt.data))
		})
	}
}
