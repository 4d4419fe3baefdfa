package crypto

import (
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// ErrOpenFailed is returned when a sealed box or AEAD ciphertext does not
// authenticate under the supplied key.
var ErrOpenFailed = errors.New("decryption failed: message authentication failed")

// OpenAnonymous opens a box produced by SealAnonymous with the recipient's
// key pair.
func OpenAnonymous(ciphertext []byte, recipient *KeyPair) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	if recipient == nil {
		return nil, errors.New("nil recipient key pair")
	}

	decrypted, ok := box.OpenAnonymous(nil, ciphertext, &recipient.Public, &recipient.Private)
	if !ok {
		return nil, ErrOpenFailed
	}

	return decrypted, nil
}

// DecryptSymmetric decrypts a message produced by EncryptSymmetric.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	out, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}

	return out, nil
}
