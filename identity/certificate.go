package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// ClockSkew is the tolerance applied to peer certificate validity windows.
const ClockSkew = 2 * time.Minute

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// issueCertificate creates a self-signed certificate binding name to key.
func issueCertificate(key *ecdsa.PrivateKey, name string, notBefore time.Time, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             notBefore.Truncate(time.Second),
		NotAfter:              notBefore.Add(validity).Truncate(time.Second),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// parseCertificate parses DER and requires a P-256 public key.
func parseCertificate(der []byte) (*x509.Certificate, *ecdsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, nil, fmt.Errorf("%w: public key is not P-256", ErrMalformedCertificate)
	}
	return cert, pub, nil
}

// VerifyPeerCertificate parses a certificate announced by a peer and checks
// its self-signature, its validity window at now (with ClockSkew) and, when
// name is not empty, that its common name equals name.
func VerifyPeerCertificate(der []byte, name string, now time.Time) (*x509.Certificate, *ecdsa.PublicKey, error) {
	cert, pub, err := parseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if now.Add(ClockSkew).Before(cert.NotBefore) || now.Add(-ClockSkew).After(cert.NotAfter) {
		return nil, nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrCertificateNotValid,
			now.Format(time.RFC3339), cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}
	if name != "" && cert.Subject.CommonName != name {
		return nil, nil, fmt.Errorf("%w: %q announced as %q", ErrNameMismatch, cert.Subject.CommonName, name)
	}
	return cert, pub, nil
}
