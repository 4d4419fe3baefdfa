package swarm

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/swarmchat/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete.
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// HandshakeRole defines whether we're initiating or responding to handshake.
type HandshakeRole uint8

const (
	// Initiator starts the handshake and knows the node's static key.
	Initiator HandshakeRole = iota
	// Responder is the storage node.
	Responder
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// IKHandshake runs the Noise IK pattern between a client and a storage
// node. IK authenticates both sides in a single round trip when the client
// already knows the node's static public key.
type IKHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewIKHandshake creates a handshake. peerPublicKey is required for the
// initiator and ignored for the responder.
func NewIKHandshake(static *crypto.KeyPair, peerPublicKey []byte, role HandshakeRole) (*IKHandshake, error) {
	if static == nil {
		return nil, errors.New("static key pair required")
	}
	if role == Initiator && len(peerPublicKey) != 32 {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %d", len(peerPublicKey))
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, static.Private[:])
	copy(staticKey.Public, static.Public[:])

	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}
	if role == Initiator {
		config.PeerStatic = append([]byte(nil), peerPublicKey...)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return &IKHandshake{role: role, state: state}, nil
}

// Initiate writes the initiator's first message (-> e, es, s, ss).
func (ik *IKHandshake) Initiate() ([]byte, error) {
	if ik.role != Initiator {
		return nil, errors.New("only initiator can start the handshake")
	}
	if ik.complete {
		return nil, ErrHandshakeComplete
	}
	message, _, _, err := ik.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("initiator write failed: %w", err)
	}
	return message, nil
}

// Respond reads the initiator's message and writes the reply (<- e, ee, se).
// The responder is complete afterwards.
func (ik *IKHandshake) Respond(received []byte) ([]byte, error) {
	if ik.role != Responder {
		return nil, errors.New("only responder can answer the handshake")
	}
	if ik.complete {
		return nil, ErrHandshakeComplete
	}
	if _, _, _, err := ik.state.ReadMessage(nil, received); err != nil {
		return nil, fmt.Errorf("responder read failed: %w", err)
	}
	message, initiatorToResponder, responderToInitiator, err := ik.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("responder write failed: %w", err)
	}
	ik.recvCipher = initiatorToResponder
	ik.sendCipher = responderToInitiator
	ik.complete = true
	return message, nil
}

// Finish reads the responder's reply. The initiator is complete afterwards.
func (ik *IKHandshake) Finish(received []byte) error {
	if ik.role != Initiator {
		return errors.New("only initiator can read the response")
	}
	if ik.complete {
		return ErrHandshakeComplete
	}
	_, initiatorToResponder, responderToInitiator, err := ik.state.ReadMessage(nil, received)
	if err != nil {
		return fmt.Errorf("initiator read response failed: %w", err)
	}
	ik.sendCipher = initiatorToResponder
	ik.recvCipher = responderToInitiator
	ik.complete = true
	return nil
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// CipherStates returns the send and receive cipher states.
func (ik *IKHandshake) CipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !ik.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return ik.sendCipher, ik.recvCipher, nil
}

// RemoteStaticKey returns the peer's static public key.
func (ik *IKHandshake) RemoteStaticKey() ([]byte, error) {
	if !ik.complete {
		return nil, ErrHandshakeNotComplete
	}
	return append([]byte(nil), ik.state.PeerStatic()...), nil
}
