package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrEmptyMessage is returned when signing or verifying an empty message.
var ErrEmptyMessage = errors.New("empty message")

// Sign produces an ASN.1 ECDSA signature over the SHA-256 digest of message.
func Sign(message []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks an ASN.1 ECDSA signature over the SHA-256 digest of message.
func Verify(message, signature []byte, key *ecdsa.PublicKey) bool {
	if len(message) == 0 || len(signature) == 0 || key == nil {
		return false
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(key, digest[:], signature)
}
