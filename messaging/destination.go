package messaging

import (
	"fmt"

	"github.com/opd-ai/swarmchat/crypto"
)

// Destination is the closed set of places a message can be sent to.
type Destination interface {
	fmt.Stringer
	destination()
}

// Contact addresses a single user by session id.
type Contact struct {
	PublicKey string
}

// ClosedGroup addresses every member of a closed group.
type ClosedGroup struct {
	GroupPublicKey string
}

// OpenGroup addresses a public room on a community server.
type OpenGroup struct {
	Server string
	Room   string
}

// OpenGroupInbox addresses a blinded user through a community server.
type OpenGroupInbox struct {
	Server           string
	ServerPublicKey  [32]byte
	BlindedPublicKey string
}

func (Contact) destination()        {}
func (ClosedGroup) destination()    {}
func (OpenGroup) destination()      {}
func (OpenGroupInbox) destination() {}

func (c Contact) String() string     { return "contact:" + crypto.KeyPreview(c.PublicKey) }
func (g ClosedGroup) String() string { return "closed_group:" + crypto.KeyPreview(g.GroupPublicKey) }
func (o OpenGroup) String() string   { return "open_group:" + o.Server + "/" + o.Room }
func (o OpenGroupInbox) String() string {
	return "open_group_inbox:" + o.Server + "/" + crypto.KeyPreview(o.BlindedPublicKey)
}

// Target returns the identifier a destination resolves to.
func Target(d Destination) string {
	switch dest := d.(type) {
	case Contact:
		return dest.PublicKey
	case ClosedGroup:
		return dest.GroupPublicKey
	case OpenGroup:
		return dest.Server + "/" + dest.Room
	case OpenGroupInbox:
		return dest.BlindedPublicKey
	default:
		return ""
	}
}

// CheckDestination rejects kind and destination combinations the protocol
// does not allow. selfID is the local user's session id.
func CheckDestination(m *Message, d Destination, selfID string) error {
	switch dest := d.(type) {
	case Contact:
		if dest.PublicKey == "" {
			return fmt.Errorf("%w: empty contact", ErrInvalidDestination)
		}
		if _, ok := m.Kind.(*ConfigurationMessage); ok && dest.PublicKey != selfID {
			return fmt.Errorf("%w: configuration messages go to self only", ErrInvalidDestination)
		}
	case ClosedGroup:
		if dest.GroupPublicKey == "" {
			return fmt.Errorf("%w: empty group", ErrInvalidDestination)
		}
		if _, ok := m.Kind.(*ConfigurationMessage); ok {
			return fmt.Errorf("%w: configuration messages go to self only", ErrInvalidDestination)
		}
	case OpenGroup:
		if dest.Server == "" || dest.Room == "" {
			return fmt.Errorf("%w: incomplete open group", ErrInvalidDestination)
		}
		if _, ok := m.Kind.(*VisibleMessage); !ok {
			return fmt.Errorf("%w: only visible messages go to open groups", ErrInvalidDestination)
		}
	case OpenGroupInbox:
		if dest.Server == "" || !crypto.IsBlindedID(dest.BlindedPublicKey) {
			return fmt.Errorf("%w: incomplete open group inbox", ErrInvalidDestination)
		}
		if _, ok := m.Kind.(*VisibleMessage); !ok {
			return fmt.Errorf("%w: only visible messages go to open group inboxes", ErrInvalidDestination)
		}
	default:
		return fmt.Errorf("%w: unknown destination %T", ErrInvalidDestination, d)
	}
	return nil
}
