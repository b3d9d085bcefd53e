package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the work factor for passphrase key derivation.
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current at-rest format version.
	EncryptionVersion = 1
	// SaltSize is the size of the per-blob PBKDF2 salt.
	SaltSize = 16
)

var (
	// ErrEmptyPassphrase is returned when a passphrase is required but empty.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")

	// ErrWrongPassphrase covers authentication failures of at-rest blobs.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted data")
)

// PassphraseBox protects secrets stored outside the process, such as a
// persisted identity bundle.
//
// Blob format: [version:2][salt:16][nonce:12][ciphertext+tag]
type PassphraseBox struct {
	passphrase []byte
	iterations int
}

// NewPassphraseBox copies passphrase; callers may wipe their copy.
func NewPassphraseBox(passphrase []byte) (*PassphraseBox, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	p := make([]byte, len(passphrase))
	copy(p, passphrase)
	return &PassphraseBox{passphrase: p, iterations: PBKDF2Iterations}, nil
}

func (b *PassphraseBox) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(b.passphrase, salt, b.iterations, 32, sha256.New)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under a key derived from the passphrase and a
// fresh salt.
func (b *PassphraseBox) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, 2+SaltSize+nonceSize, 2+SaltSize+nonceSize+len(plaintext)+tagSize)
	binary.BigEndian.PutUint16(out[0:2], EncryptionVersion)
	if _, err := io.ReadFull(rand.Reader, out[2:]); err != nil {
		return nil, fmt.Errorf("failed to generate salt and nonce: %w", err)
	}
	salt := out[2 : 2+SaltSize]
	nonce := out[2+SaltSize:]

	gcm, err := b.gcm(salt)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(out, nonce, plaintext, out[0:2]), nil
}

// Decrypt opens a blob produced by Encrypt.
func (b *PassphraseBox) Decrypt(data []byte) ([]byte, error) {
	header := 2 + SaltSize + nonceSize
	if len(data) < header+tagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedContent, len(data))
	}
	if version := binary.BigEndian.Uint16(data[0:2]); version != EncryptionVersion {
		return nil, fmt.Errorf("unsupported encryption version: %d (expected %d)", version, EncryptionVersion)
	}

	gcm, err := b.gcm(data[2 : 2+SaltSize])
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, data[2+SaltSize:header], data[header:], data[0:2])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// Close wipes the retained passphrase. The box must not be used afterwards.
func (b *PassphraseBox) Close() {
	ZeroBytes(b.passphrase)
}
