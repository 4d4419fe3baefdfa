package messaging

import "fmt"

// EnvelopeType tells the receiver how the envelope content is protected.
type EnvelopeType uint8

const (
	// EnvelopeSessionMessage content is sealed to the recipient's key.
	EnvelopeSessionMessage EnvelopeType = iota + 1
	// EnvelopeClosedGroupMessage content is sealed to a group key pair.
	EnvelopeClosedGroupMessage
	// EnvelopeOpenGroupMessage content is signed plaintext.
	EnvelopeOpenGroupMessage
	// EnvelopeBlindedMessage content is encrypted between blinded ids.
	EnvelopeBlindedMessage
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeSessionMessage:
		return "session_message"
	case EnvelopeClosedGroupMessage:
		return "closed_group_message"
	case EnvelopeOpenGroupMessage:
		return "open_group_message"
	case EnvelopeBlindedMessage:
		return "blinded_message"
	default:
		return fmt.Sprintf("EnvelopeType(%d)", uint8(t))
	}
}

// Envelope is the unit stored on swarm nodes. Source carries the group public
// key for closed group envelopes and the server for open group ones; it is
// empty for session messages, whose sender is only known after decryption.
type Envelope struct {
	Type      EnvelopeType `cbor:"1,keyasint"`
	Source    string       `cbor:"2,keyasint,omitempty"`
	Timestamp int64        `cbor:"3,keyasint"`
	Content   []byte       `cbor:"4,keyasint"`
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return encMode.Marshal(e)
}

// UnmarshalEnvelope decodes and sanity checks an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalidMessage, err)
	}
	switch e.Type {
	case EnvelopeSessionMessage, EnvelopeClosedGroupMessage, EnvelopeOpenGroupMessage, EnvelopeBlindedMessage:
	default:
		return nil, fmt.Errorf("%w: unknown envelope type %d", ErrInvalidMessage, e.Type)
	}
	if len(e.Content) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrInvalidMessage)
	}
	return &e, nil
}
