package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
)

const (
	// SessionIDPrefix marks a hex encoded X25519 public key.
	SessionIDPrefix = "05"
	// BlindedIDPrefix marks a hex encoded blinded Ed25519 public key.
	BlindedIDPrefix = "15"
)

var (
	// ErrInvalidSessionID is returned when an identifier cannot be parsed.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrInvalidPublicKey is returned for keys that do not lie on the curve.
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// Identity is the long-term key material of a user. The Ed25519 seed is the
// root; the X25519 encryption pair is derived from it.
type Identity struct {
	seed       [32]byte
	signing    ed25519.PrivateKey
	Encryption *KeyPair
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return IdentityFromSeed(seed)
}

// IdentityFromSeed rebuilds an identity from its 32-byte Ed25519 seed.
func IdentityFromSeed(seed [32]byte) (*Identity, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}

	kp, err := FromSecretKey(Ed25519SeedToX25519(seed))
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	return &Identity{
		seed:       seed,
		signing:    ed25519.NewKeyFromSeed(seed[:]),
		Encryption: kp,
	}, nil
}

// Seed returns a copy of the Ed25519 seed.
func (id *Identity) Seed() [32]byte {
	return id.seed
}

// SigningPublicKey returns the Ed25519 public key.
func (id *Identity) SigningPublicKey() [32]byte {
	var pub [32]byte
	copy(pub[:], id.signing.Public().(ed25519.PublicKey))
	return pub
}

// SessionID returns the user's public identifier.
func (id *Identity) SessionID() string {
	return SessionID(id.Encryption.Public)
}

// Wipe erases the private key material held by the identity.
func (id *Identity) Wipe() {
	ZeroBytes(id.seed[:])
	ZeroBytes(id.signing)
	if id.Encryption != nil {
		_ = WipeKeyPair(id.Encryption)
	}
}

// SessionID formats an X25519 public key as a prefixed hex identifier.
func SessionID(publicKey [32]byte) string {
	return SessionIDPrefix + hex.EncodeToString(publicKey[:])
}

// ParseSessionID decodes a prefixed hex identifier back into its key. Both
// session ids and blinded ids are accepted.
func ParseSessionID(id string) ([32]byte, error) {
	var key [32]byte
	if len(id) != 66 {
		return key, fmt.Errorf("%w: length %d", ErrInvalidSessionID, len(id))
	}
	if !strings.HasPrefix(id, SessionIDPrefix) && !strings.HasPrefix(id, BlindedIDPrefix) {
		return key, fmt.Errorf("%w: unknown prefix %q", ErrInvalidSessionID, id[:2])
	}
	raw, err := hex.DecodeString(id[2:])
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	copy(key[:], raw)
	return key, nil
}

// IsBlindedID reports whether id carries the blinded prefix.
func IsBlindedID(id string) bool {
	return strings.HasPrefix(id, BlindedIDPrefix)
}

// Ed25519PublicKeyToX25519 converts an Ed25519 public key to its Montgomery
// form.
func Ed25519PublicKeyToX25519(publicKey [32]byte) ([32]byte, error) {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(publicKey[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// Ed25519SeedToX25519 derives the X25519 private key matching the Ed25519
// key generated from seed.
func Ed25519SeedToX25519(seed [32]byte) [32]byte {
	h := sha512.Sum512(seed[:])
	defer ZeroBytes(h[:])

	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}
