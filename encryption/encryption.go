// Package encryption seals and opens message content between users.
//
// Encrypt produces a sender-authenticated, receiver-anonymous ciphertext:
// the plaintext is signed together with both parties' keys and the result is
// sealed to the recipient, so storage nodes learn nothing about the sender.
// EncryptBlinded protects direct messages between blinded open group ids.
package encryption

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/messaging"
)

const (
	signatureSize = crypto.SignatureSize
	publicKeySize = 32
)

// Encrypt signs plaintext with the sender identity and seals it to the
// recipient's session id. The sealed payload is plaintext ‖ senderEdPub ‖
// signature where the signature covers plaintext ‖ senderEdPub ‖
// recipientPub.
func Encrypt(plaintext []byte, recipientID string, sender *crypto.Identity) ([]byte, error) {
	recipientPK, err := crypto.ParseSessionID(recipientID)
	if err != nil {
		return nil, messaging.Errorf("encrypt", messaging.ErrEncryptionFailed, "recipient: %v", err)
	}
	if sender == nil {
		return nil, messaging.Errorf("encrypt", messaging.ErrSigningFailed, "no sender identity")
	}

	senderEdPub := sender.SigningPublicKey()

	verification := make([]byte, 0, len(plaintext)+2*publicKeySize)
	verification = append(verification, plaintext...)
	verification = append(verification, senderEdPub[:]...)
	verification = append(verification, recipientPK[:]...)

	signature, err := sender.Sign(verification)
	if err != nil {
		return nil, messaging.Errorf("encrypt", messaging.ErrSigningFailed, "%v", err)
	}

	payload := make([]byte, 0, len(plaintext)+publicKeySize+signatureSize)
	payload = append(payload, plaintext...)
	payload = append(payload, senderEdPub[:]...)
	payload = append(payload, signature[:]...)
	defer crypto.ZeroBytes(payload)

	ciphertext, err := crypto.SealAnonymous(payload, recipientPK)
	if err != nil {
		return nil, messaging.Errorf("encrypt", messaging.ErrEncryptionFailed, "%v", err)
	}
	return ciphertext, nil
}

// Decrypt opens a ciphertext produced by Encrypt with the recipient's key
// pair and returns the plaintext and the sender's session id. The signature
// is checked against the local recipient key, so a message re-sealed to a
// different recipient does not verify.
func Decrypt(ciphertext []byte, recipient *crypto.KeyPair) ([]byte, string, error) {
	if recipient == nil {
		return nil, "", messaging.Errorf("decrypt", messaging.ErrDecryptionFailed, "no key pair")
	}

	payload, err := crypto.OpenAnonymous(ciphertext, recipient)
	if err != nil {
		return nil, "", messaging.Errorf("decrypt", messaging.ErrDecryptionFailed, "%v", err)
	}
	if len(payload) < publicKeySize+signatureSize {
		return nil, "", messaging.Errorf("decrypt", messaging.ErrDecryptionFailed, "payload too short: %d bytes", len(payload))
	}

	sigStart := len(payload) - signatureSize
	keyStart := sigStart - publicKeySize

	var signature crypto.Signature
	copy(signature[:], payload[sigStart:])
	var senderEdPub [32]byte
	copy(senderEdPub[:], payload[keyStart:sigStart])
	plaintext := payload[:keyStart]

	verification := make([]byte, 0, len(plaintext)+2*publicKeySize)
	verification = append(verification, plaintext...)
	verification = append(verification, senderEdPub[:]...)
	verification = append(verification, recipient.Public[:]...)

	ok, err := crypto.Verify(verification, signature, senderEdPub)
	if err != nil || !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
		}).Debug("Signature verification failed")
		return nil, "", messaging.Errorf("decrypt", messaging.ErrInvalidSignature, "sender signature does not verify")
	}

	senderX, err := crypto.Ed25519PublicKeyToX25519(senderEdPub)
	if err != nil {
		return nil, "", messaging.Errorf("decrypt", messaging.ErrDecryptionFailed, "sender key: %v", err)
	}

	return plaintext, crypto.SessionID(senderX), nil
}

// split separates the trailing signing key from a blinded inner payload.
func split(payload []byte) ([]byte, []byte, error) {
	if len(payload) < publicKeySize {
		return nil, nil, fmt.Errorf("payload too short")
	}
	return payload[:len(payload)-publicKeySize], payload[len(payload)-publicKeySize:], nil
}
