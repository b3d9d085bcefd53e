// Package identity manages the node's cryptographic identity: one ECDSA
// P-256 key pair and the self-signed X.509 certificate that binds it to a
// display name.
//
// A Manager moves through the states Unenrolled, Active, Expired and
// Cleared. Generate issues an ephemeral identity, by default valid for 30
// minutes and eligible for automatic rotation by Run. ImportBundle and
// ImportPrivateKey install an externally supplied key, valid for a year and
// never rotated. Every Generate draws a fresh random serial number, which is
// how peers tell a rotated key from a new person.
//
// Replaced keys are retained (see DecryptionKeys) so that messages sealed to
// a key shortly before rotation still open.
//
// # Bundle format
//
//	[key length: 4 bytes BE][raw P-256 scalar][certificate DER]
//
// ImportBundle recognises PKCS#12 containers and PEM armour by their first
// bytes and rejects them with ErrUnsupportedFormat instead of a generic
// parse failure.
package identity
