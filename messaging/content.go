package messaging

import (
	"fmt"
)

type wireContent struct {
	SentTimestamp      int64                  `cbor:"1,keyasint"`
	Visible            *VisibleMessage        `cbor:"2,keyasint,omitempty"`
	Typing             *TypingIndicator       `cbor:"3,keyasint,omitempty"`
	ReadReceipt        *ReadReceipt           `cbor:"4,keyasint,omitempty"`
	ExpirationUpdate   *ExpirationTimerUpdate `cbor:"5,keyasint,omitempty"`
	ClosedGroupControl *wireControl           `cbor:"6,keyasint,omitempty"`
	Configuration      *ConfigurationMessage  `cbor:"7,keyasint,omitempty"`
}

type wireControl struct {
	Type              ControlType      `cbor:"1,keyasint"`
	PublicKey         string           `cbor:"2,keyasint,omitempty"`
	Name              string           `cbor:"3,keyasint,omitempty"`
	EncryptionKeyPair []byte           `cbor:"4,keyasint,omitempty"`
	Members           []string         `cbor:"5,keyasint,omitempty"`
	Admins            []string         `cbor:"6,keyasint,omitempty"`
	Wrappers          []KeyPairWrapper `cbor:"7,keyasint,omitempty"`
	ExpirationTimer   uint32           `cbor:"8,keyasint,omitempty"`
}

// EncodeContent serializes the kind and sent timestamp of m. Routing
// metadata is not part of the content.
func EncodeContent(m *Message) ([]byte, error) {
	w := wireContent{SentTimestamp: m.SentTimestamp}
	switch k := m.Kind.(type) {
	case *VisibleMessage:
		w.Visible = k
	case *TypingIndicator:
		w.Typing = k
	case *ReadReceipt:
		w.ReadReceipt = k
	case *ExpirationTimerUpdate:
		w.ExpirationUpdate = k
	case *ClosedGroupControlMessage:
		wc, err := encodeControl(k.Control)
		if err != nil {
			return nil, err
		}
		w.ClosedGroupControl = wc
	case *ConfigurationMessage:
		w.Configuration = k
	default:
		return nil, fmt.Errorf("%w: unknown kind %T", ErrInvalidMessage, m.Kind)
	}
	return encMode.Marshal(w)
}

// DecodeContent parses EncodeContent output. The returned message has only
// Kind and SentTimestamp set.
func DecodeContent(data []byte) (*Message, error) {
	var w wireContent
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrInvalidMessage, err)
	}

	var kinds []Kind
	if w.Visible != nil {
		kinds = append(kinds, w.Visible)
	}
	if w.Typing != nil {
		kinds = append(kinds, w.Typing)
	}
	if w.ReadReceipt != nil {
		kinds = append(kinds, w.ReadReceipt)
	}
	if w.ExpirationUpdate != nil {
		kinds = append(kinds, w.ExpirationUpdate)
	}
	if w.ClosedGroupControl != nil {
		ctrl, err := decodeControl(w.ClosedGroupControl)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, &ClosedGroupControlMessage{Control: ctrl})
	}
	if w.Configuration != nil {
		kinds = append(kinds, w.Configuration)
	}
	if len(kinds) != 1 {
		return nil, fmt.Errorf("%w: content carries %d kinds", ErrInvalidMessage, len(kinds))
	}
	return &Message{Kind: kinds[0], SentTimestamp: w.SentTimestamp}, nil
}

func encodeControl(c ControlKind) (*wireControl, error) {
	switch ctrl := c.(type) {
	case *ControlNew:
		kp, err := MarshalKeyPair(ctrl.EncryptionKeyPair)
		if err != nil {
			return nil, err
		}
		return &wireControl{
			Type:              ControlTypeNew,
			PublicKey:         ctrl.PublicKey,
			Name:              ctrl.Name,
			EncryptionKeyPair: kp,
			Members:           ctrl.Members,
			Admins:            ctrl.Admins,
			ExpirationTimer:   ctrl.ExpirationTimer,
		}, nil
	case *ControlEncryptionKeyPair:
		return &wireControl{Type: ControlTypeEncryptionKeyPair, PublicKey: ctrl.PublicKey, Wrappers: ctrl.Wrappers}, nil
	case *ControlNameChange:
		return &wireControl{Type: ControlTypeNameChange, Name: ctrl.Name}, nil
	case *ControlMembersAdded:
		return &wireControl{Type: ControlTypeMembersAdded, Members: ctrl.Members}, nil
	case *ControlMembersRemoved:
		return &wireControl{Type: ControlTypeMembersRemoved, Members: ctrl.Members}, nil
	case *ControlMemberLeft:
		return &wireControl{Type: ControlTypeMemberLeft}, nil
	default:
		return nil, fmt.Errorf("%w: unknown closed group control %T", ErrInvalidMessage, c)
	}
}

func decodeControl(w *wireControl) (ControlKind, error) {
	switch w.Type {
	case ControlTypeNew:
		ctrl := &ControlNew{
			PublicKey:       w.PublicKey,
			Name:            w.Name,
			Members:         w.Members,
			Admins:          w.Admins,
			ExpirationTimer: w.ExpirationTimer,
		}
		if len(w.EncryptionKeyPair) > 0 {
			pair, err := UnmarshalKeyPair(w.EncryptionKeyPair)
			if err != nil {
				return nil, err
			}
			ctrl.EncryptionKeyPair = pair
		}
		return ctrl, nil
	case ControlTypeEncryptionKeyPair:
		return &ControlEncryptionKeyPair{PublicKey: w.PublicKey, Wrappers: w.Wrappers}, nil
	case ControlTypeNameChange:
		return &ControlNameChange{Name: w.Name}, nil
	case ControlTypeMembersAdded:
		return &ControlMembersAdded{Members: w.Members}, nil
	case ControlTypeMembersRemoved:
		return &ControlMembersRemoved{Members: w.Members}, nil
	case ControlTypeMemberLeft:
		return &ControlMemberLeft{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown closed group control type %d", ErrInvalidMessage, w.Type)
	}
}
