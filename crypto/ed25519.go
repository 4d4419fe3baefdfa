package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents a detached Ed25519 signature.
type Signature [SignatureSize]byte

// Sign creates a detached Ed25519 signature over message with the identity's
// signing key.
func (id *Identity) Sign(message []byte) (Signature, error) {
	if id == nil || len(id.signing) != ed25519.PrivateKeySize {
		return Signature{}, errors.New("identity has no signing key")
	}
	return sign(message, id.signing)
}

// Sign creates an Ed25519 signature for a message using a 32-byte seed.
func Sign(message []byte, seed [32]byte) (Signature, error) {
	edPrivateKey := ed25519.NewKeyFromSeed(seed[:])
	defer ZeroBytes(edPrivateKey)
	return sign(message, edPrivateKey)
}

func sign(message []byte, privateKey ed25519.PrivateKey) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	var signature Signature
	copy(signature[:], ed25519.Sign(privateKey, message))
	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}
