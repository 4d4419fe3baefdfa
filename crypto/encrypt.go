package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// NonceSize is the XChaCha20-Poly1305 nonce length.
const NonceSize = chacha20poly1305.NonceSizeX

// Nonce is a 24-byte value used for symmetric encryption.
type Nonce [NonceSize]byte

// MaxMessageSize bounds the plaintext accepted by the primitives (1MB).
const MaxMessageSize = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// SealAnonymous encrypts message to recipientPK so that only the holder of
// the matching private key can open it. The envelope carries an ephemeral
// sender key and does not identify the actual sender.
func SealAnonymous(message []byte, recipientPK [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}

	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	sealed, err := box.SealAnonymous(nil, message, &recipientPK, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return sealed, nil
}

// EncryptSymmetric encrypts a message with XChaCha20-Poly1305 under key
// using the provided nonce.
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}

	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, nonce[:], message, nil), nil
}
