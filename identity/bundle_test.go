package identity

import (
	"crypto/ecdsa"
	"encoding/binary"
	"testing"
	"time"

	"github.com/opd-ai/meshtalk/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyAndCert(t *testing.T, name string) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cert, err := issueCertificate(key, name, time.Now(), time.Hour)
	require.NoError(t, err)
	return key, cert.Raw
}

func TestBundleRoundTrip(t *testing.T) {
	key, certDER := testKeyAndCert(t, "alice")
	bundle, err := EncodeBundle(key, certDER)
	require.NoError(t, err)
	assert.Equal(t, uint32(crypto.PrivateKeySize), binary.BigEndian.Uint32(bundle[:4]))

	decoded, cert, err := DecodeBundle(bundle)
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.Subject.CommonName)
	assert.True(t, key.Equal(decoded))
	assert.Equal(t, certDER, cert.Raw)
}

func TestDecodeBundleErrors(t *testing.T) {
	key, certDER := testKeyAndCert(t, "alice")
	good, err := EncodeBundle(key, certDER)
	require.NoError(t, err)

	otherKey, _ := testKeyAndCert(t, "mallory")
	mismatched, err := EncodeBundle(otherKey, certDER)
	require.NoError(t, err)

	wrongLength := append([]byte{}, good...)
	binary.BigEndian.PutUint32(wrongLength, 31)

	hugeLength := append([]byte{}, good...)
	binary.BigEndian.PutUint32(hugeLength, 4096)

	badCert := append([]byte{}, good[:4+crypto.PrivateKeySize]...)
	badCert = append(badCert, 0x30, 0x03, 0x02, 0x01, 0x00)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"wrong key length", wrongLength, ErrInvalidKeyLength},
		{"oversized key length", hugeLength, ErrInvalidKeyLength},
		{"pkcs12 der", []byte{0x30, 0x82, 0x0a, 0x1b, 0x02, 0x01, 0x03, 0x30, 0x82}, ErrUnsupportedFormat},
		{"pkcs12 short form", []byte{0x30, 0x45, 0x02, 0x01, 0x03, 0x30}, ErrUnsupportedFormat},
		{"pkcs12 ber indefinite", []byte{0x30, 0x80, 0x02, 0x01, 0x03, 0x30, 0x80}, ErrUnsupportedFormat},
		{"pem", []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"), ErrUnsupportedFormat},
		{"too short", []byte{0x00, 0x00}, ErrMalformedBundle},
		{"key truncated", good[:4+10], ErrMalformedBundle},
		{"missing certificate", good[:4+crypto.PrivateKeySize], ErrMalformedCertificate},
		{"garbage certificate", badCert, ErrMalformedCertificate},
		{"key mismatch", mismatched, ErrKeyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeBundle(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIsForeignContainerIgnoresBundles(t *testing.T) {
	key, certDER := testKeyAndCert(t, "alice")
	bundle, err := EncodeBundle(key, certDER)
	require.NoError(t, err)

	assert.False(t, isForeignContainer(bundle))
	assert.False(t, isForeignContainer(certDER), "a bare certificate is not a PFX")
	assert.False(t, isForeignContainer(nil))
}

func TestVerifyPeerCertificate(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	start := time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)
	cert, err := issueCertificate(key, "bob", start, 30*time.Minute)
	require.NoError(t, err)

	_, pub, err := VerifyPeerCertificate(cert.Raw, "bob", start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	_, _, err = VerifyPeerCertificate(cert.Raw, "", start.Add(time.Minute))
	assert.NoError(t, err)

	_, _, err = VerifyPeerCertificate(cert.Raw, "mallory", start.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNameMismatch)

	_, _, err = VerifyPeerCertificate(cert.Raw, "bob", start.Add(time.Hour))
	assert.ErrorIs(t, err, ErrCertificateNotValid)

	_, _, err = VerifyPeerCertificate(cert.Raw, "bob", start.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrCertificateNotValid)

	_, _, err = VerifyPeerCertificate(cert.Raw, "bob", start.Add(-time.Minute))
	assert.NoError(t, err, "small clock skew is tolerated")

	tampered := append([]byte{}, cert.Raw...)
	tampered[len(tampered)-5] ^= 0xff
	_, _, err = VerifyPeerCertificate(tampered, "bob", start.Add(time.Minute))
	assert.Error(t, err)

	_, _, err = VerifyPeerCertificate([]byte("junk"), "bob", start)
	assert.ErrorIs(t, err, ErrMalformedCertificate)
}
