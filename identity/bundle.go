package identity

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/meshtalk/crypto"
)

const bundleLengthSize = 4

// EncodeBundle serializes key and certificate into the bundle format.
func EncodeBundle(key *ecdsa.PrivateKey, certDER []byte) ([]byte, error) {
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(raw)

	out := make([]byte, bundleLengthSize, bundleLengthSize+len(raw)+len(certDER))
	binary.BigEndian.PutUint32(out, uint32(len(raw)))
	out = append(out, raw...)
	out = append(out, certDER...)
	return out, nil
}

// DecodeBundle parses a bundle and checks that key and certificate match.
func DecodeBundle(data []byte) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	if isForeignContainer(data) {
		return nil, nil, ErrUnsupportedFormat
	}
	if len(data) < bundleLengthSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrMalformedBundle, len(data))
	}

	keyLen := binary.BigEndian.Uint32(data[:bundleLengthSize])
	if keyLen != crypto.PrivateKeySize {
		return nil, nil, fmt.Errorf("%w: bundle declares %d bytes, want %d", ErrInvalidKeyLength, keyLen, crypto.PrivateKeySize)
	}
	rest := data[bundleLengthSize:]
	if len(rest) < int(keyLen) {
		return nil, nil, fmt.Errorf("%w: key truncated", ErrMalformedBundle)
	}

	key, err := parseKey(rest[:keyLen])
	if err != nil {
		return nil, nil, err
	}

	certDER := rest[keyLen:]
	if len(certDER) == 0 {
		return nil, nil, fmt.Errorf("%w: missing certificate", ErrMalformedCertificate)
	}
	cert, pub, err := parseCertificate(certDER)
	if err != nil {
		return nil, nil, err
	}
	if !crypto.KeysMatch(key, pub) {
		return nil, nil, ErrKeyMismatch
	}
	return key, cert, nil
}

// parseKey maps crypto key errors onto the identity taxonomy.
func parseKey(raw []byte) (*ecdsa.PrivateKey, error) {
	key, err := crypto.ParsePrivateKey(raw)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, crypto.ErrInvalidKeyLength):
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
}

var pemPrefix = []byte("-----BEGIN")

// isForeignContainer recognises PKCS#12 PFX structures, DER or BER
// indefinite-length, and PEM armour by their leading bytes. A PFX starts
// with a SEQUENCE whose first element is INTEGER 3.
func isForeignContainer(data []byte) bool {
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), pemPrefix) {
		return true
	}
	if len(data) < 2 || data[0] != 0x30 {
		return false
	}

	offset := 2
	switch l := data[1]; {
	case l == 0x80:
		// indefinite length
	case l > 0x80 && l <= 0x84:
		offset += int(l & 0x7f)
	case l < 0x80:
		// short form
	default:
		return false
	}
	return len(data) >= offset+3 &&
		data[offset] == 0x02 && data[offset+1] == 0x01 && data[offset+2] == 0x03
}
