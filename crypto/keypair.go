package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents an X25519 key pair. It is used both for a user's
// encryption identity and for the rotating key pairs of closed groups.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	return keyPair, nil
}

// FromSecretKey creates a key pair from an existing private key, deriving
// the public half with X25519.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], publicKey)
	return kp, nil
}

// Equal reports whether both halves of the key pairs match. The comparison
// is constant time.
func (kp *KeyPair) Equal(other *KeyPair) bool {
	if kp == nil || other == nil {
		return kp == other
	}
	pub := subtle.ConstantTimeCompare(kp.Public[:], other.Public[:])
	priv := subtle.ConstantTimeCompare(kp.Private[:], other.Private[:])
	return pub&priv == 1
}

// SessionID returns the prefixed hex identifier of the public half.
func (kp *KeyPair) SessionID() string {
	return SessionID(kp.Public)
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	var zero [32]byte
	return subtle.ConstantTimeCompare(key[:], zero[:]) == 1
}
