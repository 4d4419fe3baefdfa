package crypto

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// BlindedKeyPair is the per-server pseudonymous form of an identity's
// signing key. Public is k·A and scalar is k·a, where k is derived from the
// server public key.
type BlindedKeyPair struct {
	Public [32]byte
	scalar *edwards25519.Scalar
}

// ID returns the blinded identifier ("15" prefix).
func (b *BlindedKeyPair) ID() string {
	return BlindedID(b.Public)
}

// BlindedID formats a blinded public key as a prefixed hex identifier.
func BlindedID(publicKey [32]byte) string {
	return BlindedIDPrefix + hex.EncodeToString(publicKey[:])
}

// BlindingFactor derives k = H(serverPublicKey) mod L.
func BlindingFactor(serverPublicKey [32]byte) (*edwards25519.Scalar, error) {
	h := blake2b.Sum512(serverPublicKey[:])
	k, err := edwards25519.NewScalar().SetUniformBytes(h[:])
	if err != nil {
		return nil, fmt.Errorf("blinding factor: %w", err)
	}
	return k, nil
}

// Blind derives the identity's blinded key pair for the given server.
func (id *Identity) Blind(serverPublicKey [32]byte) (*BlindedKeyPair, error) {
	k, err := BlindingFactor(serverPublicKey)
	if err != nil {
		return nil, err
	}

	h := sha512.Sum512(id.seed[:])
	defer ZeroBytes(h[:])
	a, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("signing scalar: %w", err)
	}

	ka := edwards25519.NewScalar().Multiply(k, a)
	kA := new(edwards25519.Point).ScalarBaseMult(ka)

	bkp := &BlindedKeyPair{scalar: ka}
	copy(bkp.Public[:], kA.Bytes())
	return bkp, nil
}

// BlindPublicKey computes k·A for an Ed25519 public key A.
func BlindPublicKey(serverPublicKey [32]byte, publicKey [32]byte) ([32]byte, error) {
	var out [32]byte
	k, err := BlindingFactor(serverPublicKey)
	if err != nil {
		return out, err
	}
	A, err := new(edwards25519.Point).SetBytes(publicKey[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	copy(out[:], new(edwards25519.Point).ScalarMult(k, A).Bytes())
	return out, nil
}

// SharedBlindedEncryptionKey computes the symmetric key shared between two
// blinded parties: H((k·a)·other ‖ senderBlinded ‖ recipientBlinded). Both
// sides pass the same sender/recipient ordering and obtain the same key.
func (b *BlindedKeyPair) SharedBlindedEncryptionKey(other, senderBlinded, recipientBlinded [32]byte) ([32]byte, error) {
	var key [32]byte
	P, err := new(edwards25519.Point).SetBytes(other[:])
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	shared := new(edwards25519.Point).ScalarMult(b.scalar, P).Bytes()
	defer ZeroBytes(shared)

	h, err := blake2b.New256(nil)
	if err != nil {
		return key, err
	}
	h.Write(shared)
	h.Write(senderBlinded[:])
	h.Write(recipientBlinded[:])
	copy(key[:], h.Sum(nil))
	return key, nil
}

// MatchesBlinded reports whether signingKey blinds to blinded under the
// given server key.
func MatchesBlinded(serverPublicKey, signingKey, blinded [32]byte) bool {
	candidate, err := BlindPublicKey(serverPublicKey, signingKey)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(candidate[:], blinded[:]) == 1
}
