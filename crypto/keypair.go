package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	// PrivateKeySize is the length of a raw P-256 private scalar.
	PrivateKeySize = 32

	// PublicKeySize is the length of an uncompressed P-256 point.
	PublicKeySize = 65
)

var (
	// ErrInvalidKeyLength is returned for raw private keys of the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrInvalidKey is returned for key bytes that are not a valid P-256 key.
	ErrInvalidKey = errors.New("invalid key")
)

// GenerateKey creates a new random P-256 identity key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	return key, nil
}

// MarshalPrivateKey returns the raw 32-byte private scalar.
func MarshalPrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	ecdhKey, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ecdhKey.Bytes(), nil
}

// ParsePrivateKey rebuilds a P-256 key from its raw 32-byte scalar.
func ParsePrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	if len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(raw), PrivateKeySize)
	}
	ecdhKey, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	point := ecdhKey.PublicKey().Bytes()

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(point[1:33]),
			Y:     new(big.Int).SetBytes(point[33:65]),
		},
		D: new(big.Int).SetBytes(raw),
	}, nil
}

// MarshalPublicKey returns the uncompressed point encoding of key.
func MarshalPublicKey(key *ecdsa.PublicKey) ([]byte, error) {
	ecdhKey, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ecdhKey.Bytes(), nil
}

// AgreementKey converts an identity public key to its ECDH form.
func AgreementKey(key *ecdsa.PublicKey) (*ecdh.PublicKey, error) {
	ecdhKey, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ecdhKey, nil
}

// AgreementPrivateKey converts an identity private key to its ECDH form.
func AgreementPrivateKey(key *ecdsa.PrivateKey) (*ecdh.PrivateKey, error) {
	ecdhKey, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ecdhKey, nil
}

// KeysMatch reports whether pub is the public half of priv.
func KeysMatch(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) bool {
	if priv == nil || pub == nil {
		return false
	}
	return priv.PublicKey.Equal(pub)
}
