package encryption

import (
	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/messaging"
)

// SignOpenGroup returns plaintext ‖ senderEdPub ‖ signature. Open group
// content is public; the signature only binds it to the sender.
func SignOpenGroup(plaintext []byte, sender *crypto.Identity) ([]byte, error) {
	if sender == nil {
		return nil, messaging.Errorf("sign_open_group", messaging.ErrSigningFailed, "no sender identity")
	}
	edPub := sender.SigningPublicKey()

	signed := make([]byte, 0, len(plaintext)+publicKeySize)
	signed = append(signed, plaintext...)
	signed = append(signed, edPub[:]...)

	signature, err := sender.Sign(signed)
	if err != nil {
		return nil, messaging.Errorf("sign_open_group", messaging.ErrSigningFailed, "%v", err)
	}
	return append(signed, signature[:]...), nil
}

// VerifyOpenGroup checks SignOpenGroup output and returns the plaintext and
// the sender's session id.
func VerifyOpenGroup(data []byte) ([]byte, string, error) {
	if len(data) < publicKeySize+signatureSize {
		return nil, "", messaging.Errorf("verify_open_group", messaging.ErrInvalidMessage, "content too short")
	}
	sigStart := len(data) - signatureSize
	keyStart := sigStart - publicKeySize

	var signature crypto.Signature
	copy(signature[:], data[sigStart:])
	var edPub [32]byte
	copy(edPub[:], data[keyStart:sigStart])

	ok, err := crypto.Verify(data[:sigStart], signature, edPub)
	if err != nil || !ok {
		return nil, "", messaging.Errorf("verify_open_group", messaging.ErrInvalidSignature, "signature does not verify")
	}
	senderX, err := crypto.Ed25519PublicKeyToX25519(edPub)
	if err != nil {
		return nil, "", messaging.Errorf("verify_open_group", messaging.ErrInvalidSignature, "%v", err)
	}
	return data[:keyStart], crypto.SessionID(senderX), nil
}
