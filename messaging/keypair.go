package messaging

import (
	"fmt"

	"github.com/opd-ai/swarmchat/crypto"
)

type wireKeyPair struct {
	PublicKey  []byte `cbor:"1,keyasint"`
	PrivateKey []byte `cbor:"2,keyasint"`
}

// MarshalKeyPair serializes a closed group key pair for wrapping or for
// inclusion in a New control message.
func MarshalKeyPair(kp *crypto.KeyPair) ([]byte, error) {
	if kp == nil {
		return nil, fmt.Errorf("%w: nil key pair", ErrInvalidMessage)
	}
	return encMode.Marshal(wireKeyPair{PublicKey: kp.Public[:], PrivateKey: kp.Private[:]})
}

// UnmarshalKeyPair parses MarshalKeyPair output and checks that the public
// half matches the private half.
func UnmarshalKeyPair(data []byte) (*crypto.KeyPair, error) {
	var w wireKeyPair
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: key pair: %v", ErrInvalidMessage, err)
	}
	if len(w.PublicKey) != 32 || len(w.PrivateKey) != 32 {
		return nil, fmt.Errorf("%w: key pair has wrong key sizes", ErrInvalidMessage)
	}
	var sk [32]byte
	copy(sk[:], w.PrivateKey)
	defer crypto.ZeroBytes(sk[:])
	kp, err := crypto.FromSecretKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: key pair: %v", ErrInvalidMessage, err)
	}
	var pub [32]byte
	copy(pub[:], w.PublicKey)
	if pub != kp.Public {
		return nil, fmt.Errorf("%w: key pair halves do not match", ErrInvalidMessage)
	}
	return kp, nil
}
