package encryption

import (
	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/messaging"
)

// blindedVersion is the only layout version understood.
const blindedVersion byte = 0

// EncryptBlinded encrypts plaintext from the sender's blinded id to
// recipientBlindedID on the community server identified by serverPublicKey.
// The output layout is version ‖ ciphertext ‖ nonce.
func EncryptBlinded(plaintext []byte, recipientBlindedID string, serverPublicKey [32]byte, sender *crypto.Identity) ([]byte, error) {
	if !crypto.IsBlindedID(recipientBlindedID) {
		return nil, messaging.Errorf("encrypt_blinded", messaging.ErrEncryptionFailed, "recipient is not a blinded id")
	}
	recipientBlinded, err := crypto.ParseSessionID(recipientBlindedID)
	if err != nil {
		return nil, messaging.Errorf("encrypt_blinded", messaging.ErrEncryptionFailed, "%v", err)
	}
	if sender == nil {
		return nil, messaging.Errorf("encrypt_blinded", messaging.ErrEncryptionFailed, "no sender identity")
	}

	own, err := sender.Blind(serverPublicKey)
	if err != nil {
		return nil, messaging.Errorf("encrypt_blinded", messaging.ErrEncryptionFailed, "%v", err)
	}
	key, err := own.SharedBlindedEncryptionKey(recipientBlinded, own.Public, recipientBlinded)
	if err != nil {
		return nil, messaging.Errorf("encrypt_blinded", messaging.ErrEncryptionFailed, "%v", err)
	}
	defer crypto.ZeroBytes(key[:])

	senderEdPub := sender.SigningPublicKey()
	inner := make([]byte, 0, len(plaintext)+publicKeySize)
	inner = append(inner, plaintext...)
	inner = append(inner, senderEdPub[:]...)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, messaging.Errorf("encrypt_blinded", messaging.ErrEncryptionFailed, "%v", err)
	}
	ciphertext, err := crypto.EncryptSymmetric(inner, nonce, key)
	if err != nil {
		return nil, messaging.Errorf("encrypt_blinded", messaging.ErrEncryptionFailed, "%v", err)
	}

	out := make([]byte, 0, 1+len(ciphertext)+crypto.NonceSize)
	out = append(out, blindedVersion)
	out = append(out, ciphertext...)
	out = append(out, nonce[:]...)
	return out, nil
}

// DecryptBlinded opens EncryptBlinded output addressed at the local user and
// returns the plaintext and the sender's unblinded session id. The sender's
// embedded signing key must blind to senderBlindedID.
func DecryptBlinded(data []byte, senderBlindedID string, serverPublicKey [32]byte, recipient *crypto.Identity) ([]byte, string, error) {
	if len(data) < 1+crypto.NonceSize+1 {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "ciphertext too short")
	}
	if data[0] != blindedVersion {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "unsupported version %d", data[0])
	}
	senderBlinded, err := crypto.ParseSessionID(senderBlindedID)
	if err != nil || !crypto.IsBlindedID(senderBlindedID) {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "sender is not a blinded id")
	}
	if recipient == nil {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "no identity")
	}

	own, err := recipient.Blind(serverPublicKey)
	if err != nil {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "%v", err)
	}
	key, err := own.SharedBlindedEncryptionKey(senderBlinded, senderBlinded, own.Public)
	if err != nil {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "%v", err)
	}
	defer crypto.ZeroBytes(key[:])

	var nonce crypto.Nonce
	copy(nonce[:], data[len(data)-crypto.NonceSize:])
	ciphertext := data[1 : len(data)-crypto.NonceSize]

	inner, err := crypto.DecryptSymmetric(ciphertext, nonce, key)
	if err != nil {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "%v", err)
	}

	plaintext, edPub, err := split(inner)
	if err != nil {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "%v", err)
	}
	var senderEdPub [32]byte
	copy(senderEdPub[:], edPub)

	if !crypto.MatchesBlinded(serverPublicKey, senderEdPub, senderBlinded) {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrInvalidSignature, "sender key does not match blinded id")
	}

	senderX, err := crypto.Ed25519PublicKeyToX25519(senderEdPub)
	if err != nil {
		return nil, "", messaging.Errorf("decrypt_blinded", messaging.ErrDecryptionFailed, "%v", err)
	}
	return plaintext, crypto.SessionID(senderX), nil
}
