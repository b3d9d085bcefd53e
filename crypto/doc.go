// Package crypto implements the cryptographic primitives of meshtalk.
//
// Identities use ECDSA P-256 key pairs. The same key pair signs protocol
// messages and, converted to its ECDH form, receives sealed envelopes.
//
// # Envelopes
//
// Seal encrypts a payload to a recipient public key. Every call generates a
// fresh ephemeral key pair and nonce; no state survives between calls:
//
//	envelope, err := crypto.Seal(plaintext, recipientPub)
//	plaintext, err := crypto.Open(envelope, myPriv)
//
// The envelope is a DER SEQUENCE naming its algorithms, so a receiver can
// reject shapes it does not support before doing any key agreement:
//
//	Envelope ::= SEQUENCE {
//	    version             INTEGER (1),
//	    keyAgreement        AlgorithmIdentifier,  -- id-ecPublicKey, prime256v1
//	    keyDerivation       AlgorithmIdentifier,  -- HKDF-SHA256
//	    contentEncryption   AlgorithmIdentifier,  -- AES-256-GCM | ChaCha20-Poly1305
//	    ephemeralPublicKey  OCTET STRING,         -- uncompressed point
//	    encryptedContent    OCTET STRING          -- nonce || ciphertext || tag
//	}
//
// Open reports three outcomes: ErrUnsupportedEnvelope for shapes it cannot
// parse, ErrTruncatedContent when the content field cannot hold a nonce, a
// tag and at least one byte, and ErrDecryptionFailed for everything else.
// Key agreement failures and tag mismatches are deliberately the same error.
//
// # Signatures
//
// Sign and Verify produce ASN.1 ECDSA signatures over SHA-256 digests.
//
// # Logging
//
// Functions log through LoggerHelper, which only ever records short
// fingerprints of key material (see SecureFieldHash).
package crypto
