// Package crypto implements the cryptographic primitives of the swarmchat
// protocol core.
//
// # Core Types
//
//   - [KeyPair]: X25519 key pair for sealed boxes and closed group encryption
//   - [Identity]: Ed25519 seed with the X25519 pair derived from it
//   - [Signature]: detached Ed25519 signature
//   - [BlindedKeyPair]: per-server pseudonymous signing key used by open groups
//
// # Sealed Boxes
//
// SealAnonymous encrypts to a recipient's X25519 public key using an
// ephemeral sender key, so the envelope alone does not identify the sender:
//
//	sealed, _ := crypto.SealAnonymous(plaintext, recipient.Public)
//	plaintext, _ := crypto.OpenAnonymous(sealed, recipient)
//
// # Curve Conversion
//
// Session ids are derived from the X25519 form of the Ed25519 signing key.
// Ed25519PublicKeyToX25519 and Ed25519SeedToX25519 convert between the two
// curves so a verified signing key maps to a canonical sender id.
//
// # Blinding
//
// Identity.Blind derives k·a and k·A with k = H(serverPublicKey). Two blinded
// parties compute the same symmetric key with SharedBlindedEncryptionKey and
// a recovered signing key is checked against a blinded id with
// MatchesBlinded.
//
// # Secure Memory Handling
//
//	defer crypto.ZeroBytes(sensitiveData)
//	defer crypto.WipeKeyPair(keyPair)
//
// All functions in this package are safe for concurrent use.
package crypto
