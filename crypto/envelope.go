package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// EnvelopeContext is the HKDF info string binding derived keys to this protocol.
const EnvelopeContext = "meshtalk envelope v1"

const (
	envelopeVersion = 1
	nonceSize       = 12
	tagSize         = 16
	symmetricKeyLen = 32
)

var (
	// ErrUnsupportedEnvelope is returned for input that is not an envelope
	// this package can open: bad DER, unknown version or algorithms.
	ErrUnsupportedEnvelope = errors.New("unsupported envelope")

	// ErrTruncatedContent is returned when the encrypted content is shorter
	// than nonce + tag + 1 byte.
	ErrTruncatedContent = errors.New("truncated encrypted content")

	// ErrDecryptionFailed covers key agreement and authentication failures.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrEmptyPlaintext is returned when sealing an empty payload.
	ErrEmptyPlaintext = errors.New("empty plaintext")
)

// Algorithm identifiers carried in every envelope.
var (
	oidECPublicKey      = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidNamedCurveP256   = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidHKDFSHA256       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 3, 28}
	oidAES256GCM        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 46}
	oidChaCha20Poly1305 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 3, 18}
)

// CipherSuite selects the content encryption algorithm.
type CipherSuite uint8

const (
	// SuiteAES256GCM is the default content cipher.
	SuiteAES256GCM CipherSuite = iota
	// SuiteChaCha20Poly1305 suits hosts without AES hardware.
	SuiteChaCha20Poly1305
)

// String returns the suite name.
func (s CipherSuite) String() string {
	switch s {
	case SuiteAES256GCM:
		return "aes-256-gcm"
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return fmt.Sprintf("suite(%d)", uint8(s))
	}
}

func (s CipherSuite) oid() (asn1.ObjectIdentifier, error) {
	switch s {
	case SuiteAES256GCM:
		return oidAES256GCM, nil
	case SuiteChaCha20Poly1305:
		return oidChaCha20Poly1305, nil
	default:
		return nil, fmt.Errorf("unknown cipher suite %d", uint8(s))
	}
}

func suiteFromOID(oid asn1.ObjectIdentifier) (CipherSuite, bool) {
	switch {
	case oid.Equal(oidAES256GCM):
		return SuiteAES256GCM, true
	case oid.Equal(oidChaCha20Poly1305):
		return SuiteChaCha20Poly1305, true
	default:
		return 0, false
	}
}

func (s CipherSuite) aead(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown cipher suite %d", uint8(s))
	}
}

// envelope is the DER structure described in the package documentation.
type envelope struct {
	Version            int
	KeyAgreement       pkix.AlgorithmIdentifier
	KeyDerivation      pkix.AlgorithmIdentifier
	ContentEncryption  pkix.AlgorithmIdentifier
	EphemeralPublicKey []byte
	EncryptedContent   []byte
}

// Seal encrypts plaintext to recipient with the default cipher suite.
func Seal(plaintext []byte, recipient *ecdh.PublicKey) ([]byte, error) {
	return SealWithSuite(plaintext, recipient, SuiteAES256GCM)
}

// SealWithSuite encrypts plaintext to recipient: a fresh ephemeral P-256 key
// agrees a secret with the recipient key, HKDF-SHA256 derives a 256-bit key,
// and the suite's AEAD encrypts under a fresh random nonce.
func SealWithSuite(plaintext []byte, recipient *ecdh.PublicKey, suite CipherSuite) ([]byte, error) {
	logger := NewLogger("SealWithSuite").WithField("suite", suite.String())

	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	if recipient == nil || recipient.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: recipient must be a P-256 key", ErrInvalidKey)
	}
	suiteOID, err := suite.oid()
	if err != nil {
		return nil, err
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeral.PublicKey().Bytes()

	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		logger.WithError(err, "key_agreement", "ecdh").Warn("Key agreement failed")
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key, err := deriveKey(shared, ephemeralPub)
	ZeroBytes(shared)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	aead, err := suite.aead(key)
	if err != nil {
		return nil, err
	}

	content := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(rand.Reader, content); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	content = aead.Seal(content, content[:nonceSize], plaintext, ephemeralPub)

	curveParams, err := asn1.Marshal(oidNamedCurveP256)
	if err != nil {
		return nil, err
	}
	out, err := asn1.Marshal(envelope{
		Version: envelopeVersion,
		KeyAgreement: pkix.AlgorithmIdentifier{
			Algorithm:  oidECPublicKey,
			Parameters: asn1.RawValue{FullBytes: curveParams},
		},
		KeyDerivation:      pkix.AlgorithmIdentifier{Algorithm: oidHKDFSHA256},
		ContentEncryption:  pkix.AlgorithmIdentifier{Algorithm: suiteOID},
		EphemeralPublicKey: ephemeralPub,
		EncryptedContent:   content,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	logger.WithFields(SecureFieldHash(ephemeralPub, "ephemeral_key")).
		WithField("envelope_size", len(out)).
		Debug("Sealed envelope")
	return out, nil
}

// Open decrypts an envelope with the recipient's private key.
func Open(data []byte, priv *ecdh.PrivateKey) ([]byte, error) {
	logger := NewLogger("Open")

	env, suite, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	content := env.EncryptedContent
	if len(content) < nonceSize+tagSize+1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedContent, len(content))
	}
	nonce := content[:nonceSize]
	tag := content[len(content)-tagSize:]
	ciphertext := content[nonceSize : len(content)-tagSize]

	if priv == nil {
		return nil, ErrDecryptionFailed
	}
	ephemeral, err := ecdh.P256().NewPublicKey(env.EphemeralPublicKey)
	if err != nil {
		logger.Debug("Ephemeral key rejected")
		return nil, ErrDecryptionFailed
	}
	shared, err := priv.ECDH(ephemeral)
	if err != nil {
		logger.Debug("Key agreement failed")
		return nil, ErrDecryptionFailed
	}
	key, err := deriveKey(shared, env.EphemeralPublicKey)
	ZeroBytes(shared)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer ZeroBytes(key)

	aead, err := suite.aead(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, env.EphemeralPublicKey)
	if err != nil {
		logger.Debug("Authentication failed")
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsEnvelope reports whether data parses as a supported envelope shape.
func IsEnvelope(data []byte) bool {
	_, _, err := parseEnvelope(data)
	return err == nil
}

func parseEnvelope(data []byte) (*envelope, CipherSuite, error) {
	var env envelope
	rest, err := asn1.Unmarshal(data, &env)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnsupportedEnvelope, err)
	}
	if len(rest) != 0 {
		return nil, 0, fmt.Errorf("%w: %d trailing bytes", ErrUnsupportedEnvelope, len(rest))
	}
	if env.Version != envelopeVersion {
		return nil, 0, fmt.Errorf("%w: version %d", ErrUnsupportedEnvelope, env.Version)
	}
	if !env.KeyAgreement.Algorithm.Equal(oidECPublicKey) {
		return nil, 0, fmt.Errorf("%w: key agreement %v", ErrUnsupportedEnvelope, env.KeyAgreement.Algorithm)
	}
	var curve asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(env.KeyAgreement.Parameters.FullBytes, &curve); err != nil || !curve.Equal(oidNamedCurveP256) {
		return nil, 0, fmt.Errorf("%w: curve parameters", ErrUnsupportedEnvelope)
	}
	if !env.KeyDerivation.Algorithm.Equal(oidHKDFSHA256) {
		return nil, 0, fmt.Errorf("%w: key derivation %v", ErrUnsupportedEnvelope, env.KeyDerivation.Algorithm)
	}
	suite, ok := suiteFromOID(env.ContentEncryption.Algorithm)
	if !ok {
		return nil, 0, fmt.Errorf("%w: content cipher %v", ErrUnsupportedEnvelope, env.ContentEncryption.Algorithm)
	}
	if len(env.EphemeralPublicKey) != PublicKeySize {
		return nil, 0, fmt.Errorf("%w: ephemeral key length %d", ErrUnsupportedEnvelope, len(env.EphemeralPublicKey))
	}
	return &env, suite, nil
}

// deriveKey expands the ECDH secret into a symmetric key, salted with the
// ephemeral public key and bound to EnvelopeContext.
func deriveKey(shared, ephemeralPub []byte) ([]byte, error) {
	key := make([]byte, symmetricKeyLen)
	r := hkdf.New(sha256.New, shared, ephemeralPub, []byte(EnvelopeContext))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
