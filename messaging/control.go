package messaging

import (
	"fmt"
	"time"

	"github.com/opd-ai/swarmchat/crypto"
)

// ControlType is the wire tag of a closed group control sub-kind.
type ControlType uint8

const (
	ControlTypeNew ControlType = iota + 1
	ControlTypeEncryptionKeyPair
	ControlTypeNameChange
	ControlTypeMembersAdded
	ControlTypeMembersRemoved
	ControlTypeMemberLeft
)

func (t ControlType) String() string {
	switch t {
	case ControlTypeNew:
		return "new"
	case ControlTypeEncryptionKeyPair:
		return "encryption_key_pair"
	case ControlTypeNameChange:
		return "name_change"
	case ControlTypeMembersAdded:
		return "members_added"
	case ControlTypeMembersRemoved:
		return "members_removed"
	case ControlTypeMemberLeft:
		return "member_left"
	default:
		return fmt.Sprintf("ControlType(%d)", uint8(t))
	}
}

// ControlKind is the closed set of closed group control sub-kinds.
type ControlKind interface {
	Type() ControlType
	validate() error
}

// ClosedGroupControlMessage carries membership and key management updates.
type ClosedGroupControlMessage struct {
	Control ControlKind
}

func (*ClosedGroupControlMessage) kindName() string    { return "closed_group_control" }
func (*ClosedGroupControlMessage) ttl() time.Duration { return DefaultTTL }

func (c *ClosedGroupControlMessage) validate() error {
	switch c.Control.(type) {
	case *ControlNew, *ControlEncryptionKeyPair, *ControlNameChange,
		*ControlMembersAdded, *ControlMembersRemoved, *ControlMemberLeft:
		return c.Control.validate()
	default:
		return fmt.Errorf("%w: unknown closed group control %T", ErrInvalidMessage, c.Control)
	}
}

// ControlNew creates a group or adds the recipient to one.
type ControlNew struct {
	PublicKey         string
	Name              string
	EncryptionKeyPair *crypto.KeyPair
	Members           []string
	Admins            []string
	ExpirationTimer   uint32
}

func (*ControlNew) Type() ControlType { return ControlTypeNew }

func (c *ControlNew) validate() error {
	if c.PublicKey == "" || c.Name == "" || c.EncryptionKeyPair == nil ||
		len(c.Members) == 0 || len(c.Admins) == 0 {
		return fmt.Errorf("%w: incomplete new closed group message", ErrInvalidMessage)
	}
	return nil
}

// KeyPairWrapper is a group key pair sealed to one member.
type KeyPairWrapper struct {
	PublicKey        string `cbor:"1,keyasint"`
	EncryptedKeyPair []byte `cbor:"2,keyasint"`
}

// ControlEncryptionKeyPair distributes a new group key pair. PublicKey names
// the group when the message travels over a contact destination instead of
// the group itself.
type ControlEncryptionKeyPair struct {
	PublicKey string
	Wrappers  []KeyPairWrapper
}

func (*ControlEncryptionKeyPair) Type() ControlType { return ControlTypeEncryptionKeyPair }

func (c *ControlEncryptionKeyPair) validate() error {
	if len(c.Wrappers) == 0 {
		return fmt.Errorf("%w: key pair message without wrappers", ErrInvalidMessage)
	}
	return nil
}

// ControlNameChange renames the group.
type ControlNameChange struct {
	Name string
}

func (*ControlNameChange) Type() ControlType { return ControlTypeNameChange }

func (c *ControlNameChange) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty group name", ErrInvalidMessage)
	}
	return nil
}

// ControlMembersAdded announces new members.
type ControlMembersAdded struct {
	Members []string
}

func (*ControlMembersAdded) Type() ControlType { return ControlTypeMembersAdded }

func (c *ControlMembersAdded) validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("%w: no members added", ErrInvalidMessage)
	}
	return nil
}

// ControlMembersRemoved announces removed members.
type ControlMembersRemoved struct {
	Members []string
}

func (*ControlMembersRemoved) Type() ControlType { return ControlTypeMembersRemoved }

func (c *ControlMembersRemoved) validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("%w: no members removed", ErrInvalidMessage)
	}
	return nil
}

// ControlMemberLeft announces that the sender left the group.
type ControlMemberLeft struct{}

func (*ControlMemberLeft) Type() ControlType { return ControlTypeMemberLeft }
func (*ControlMemberLeft) validate() error   { return nil }
