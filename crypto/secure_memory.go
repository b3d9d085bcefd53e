package crypto

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding key material. It returns an
// error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)
	return nil
}

// ZeroBytes is SecureWipe without the nil check error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipePrivateKey clears the scalar of a discarded private key.
func WipePrivateKey(priv *ecdsa.PrivateKey) error {
	if priv == nil || priv.D == nil {
		return errors.New("cannot wipe nil private key")
	}
	priv.D.SetInt64(0)
	return nil
}
