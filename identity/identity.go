package identity

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrInvalidKeyLength is returned when a bundle or raw key does not
	// carry a 32-byte P-256 scalar.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrMalformedCertificate is returned for certificate bytes that do not
	// parse as a P-256 X.509 certificate.
	ErrMalformedCertificate = errors.New("malformed certificate")

	// ErrUnsupportedFormat is returned for foreign certificate containers
	// such as PKCS#12 files or PEM text. Convert them to a meshtalk bundle.
	ErrUnsupportedFormat = errors.New("unsupported certificate container format, expected a meshtalk identity bundle")

	// ErrMalformedBundle is returned for bundles too short to hold their
	// declared key.
	ErrMalformedBundle = errors.New("malformed identity bundle")

	// ErrKeyMismatch is returned when a private key does not belong to the
	// certificate it is bundled with.
	ErrKeyMismatch = errors.New("private key does not match certificate")

	// ErrNoIdentity is returned by operations that need an enrolled identity.
	ErrNoIdentity = errors.New("no identity")

	// ErrEmptyDisplayName is returned when generating without a name.
	ErrEmptyDisplayName = errors.New("display name cannot be empty")

	// ErrInvalidSignature is returned when a certificate's self-signature
	// does not verify.
	ErrInvalidSignature = errors.New("invalid certificate signature")

	// ErrCertificateNotValid is returned when now lies outside a
	// certificate's validity window.
	ErrCertificateNotValid = errors.New("certificate outside validity window")

	// ErrNameMismatch is returned when a certificate's common name differs
	// from the name it was presented under.
	ErrNameMismatch = errors.New("certificate name mismatch")
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateUnenrolled State = iota
	StateActive
	StateExpired
	StateCleared
)

func (s State) String() string {
	switch s {
	case StateUnenrolled:
		return "unenrolled"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateCleared:
		return "cleared"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Identity is an immutable snapshot of the node identity. The Manager
// replaces it wholesale and never mutates a published value.
type Identity struct {
	DisplayName string
	PrivateKey  *ecdsa.PrivateKey
	Certificate *x509.Certificate
	NotBefore   time.Time
	NotAfter    time.Time
	Imported    bool
}

// CertificateDER returns the certificate's DER encoding.
func (id *Identity) CertificateDER() []byte {
	return id.Certificate.Raw
}

// SerialNumber returns the certificate serial.
func (id *Identity) SerialNumber() *big.Int {
	return id.Certificate.SerialNumber
}

// PublicKey returns the public half of the identity key.
func (id *Identity) PublicKey() *ecdsa.PublicKey {
	return &id.PrivateKey.PublicKey
}

// ExpiredAt reports whether the identity is past its NotAfter at now.
func (id *Identity) ExpiredAt(now time.Time) bool {
	return !now.Before(id.NotAfter)
}

func newIdentity(key *ecdsa.PrivateKey, cert *x509.Certificate, imported bool) *Identity {
	return &Identity{
		DisplayName: cert.Subject.CommonName,
		PrivateKey:  key,
		Certificate: cert,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Imported:    imported,
	}
}
