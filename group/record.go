package group

import (
	"fmt"
	"slices"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/messaging"
)

// Role represents a member's role in the group.
type Role uint8

const (
	// RoleNone means the id is not a member.
	RoleNone Role = iota
	// RoleMember is a regular group member.
	RoleMember
	// RoleAdmin may change membership, rename the group and rotate keys.
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Record is the locally stored state of a closed group.
type Record struct {
	PublicKey          string   `cbor:"1,keyasint"`
	Title              string   `cbor:"2,keyasint"`
	Members            []string `cbor:"3,keyasint"`
	Admins             []string `cbor:"4,keyasint"`
	Zombies            []string `cbor:"5,keyasint,omitempty"`
	Active             bool     `cbor:"6,keyasint"`
	FormationTimestamp int64    `cbor:"7,keyasint"` // milliseconds
	ExpirationTimer    uint32   `cbor:"8,keyasint,omitempty"`
}

// NewRecord builds an active record and checks that every admin is a member.
func NewRecord(publicKey, title string, members, admins []string, formationTimestamp int64) (*Record, error) {
	if publicKey == "" {
		return nil, fmt.Errorf("%w: empty group public key", messaging.ErrInvalidClosedGroupUpdate)
	}
	if len(admins) == 0 {
		return nil, fmt.Errorf("%w: group without admins", messaging.ErrInvalidClosedGroupUpdate)
	}
	for _, a := range admins {
		if !slices.Contains(members, a) {
			return nil, fmt.Errorf("%w: admin %s is not a member", messaging.ErrInvalidClosedGroupUpdate, crypto.KeyPreview(a))
		}
	}
	return &Record{
		PublicKey:          publicKey,
		Title:              title,
		Members:            Dedupe(members),
		Admins:             Dedupe(admins),
		Active:             true,
		FormationTimestamp: formationTimestamp,
	}, nil
}

// RoleOf returns the role id holds in the group.
func (r *Record) RoleOf(id string) Role {
	switch {
	case slices.Contains(r.Admins, id):
		return RoleAdmin
	case slices.Contains(r.Members, id):
		return RoleMember
	default:
		return RoleNone
	}
}

// IsMember reports whether id is a member.
func (r *Record) IsMember(id string) bool { return slices.Contains(r.Members, id) }

// IsAdmin reports whether id is an admin.
func (r *Record) IsAdmin(id string) bool { return slices.Contains(r.Admins, id) }

// IsZombie reports whether id left without being removed.
func (r *Record) IsZombie(id string) bool { return slices.Contains(r.Zombies, id) }

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Members = slices.Clone(r.Members)
	c.Admins = slices.Clone(r.Admins)
	c.Zombies = slices.Clone(r.Zombies)
	return &c
}

// NewGroupPublicKey generates the identifier of a new closed group together
// with its first encryption key pair.
func NewGroupPublicKey() (string, *crypto.KeyPair, error) {
	identityPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", nil, err
	}
	defer crypto.WipeKeyPair(identityPair)

	encryptionPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", nil, err
	}
	return identityPair.SessionID(), encryptionPair, nil
}
