// Package storage defines the durable state the messaging pipeline needs and
// implements it on bbolt.
package storage

import (
	"errors"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/messaging"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// IdentityStore keeps the local user's identity and known profiles.
type IdentityStore interface {
	UserIdentity() (*crypto.Identity, error)
	SetUserIdentity(id *crypto.Identity) error
	UserProfile() (*messaging.Profile, error)
	SetUserProfile(p *messaging.Profile) error
	ContactProfile(sessionID string) (*messaging.Profile, error)
	UpdateContactProfile(sessionID string, p *messaging.Profile) error
}

// GroupStore keeps closed group records and their key pair history.
type GroupStore interface {
	Group(publicKey string) (*group.Record, error)
	SaveGroup(r *group.Record) error
	// UpdateGroup applies fn to the stored record inside one transaction.
	UpdateGroup(publicKey string, fn func(r *group.Record) error) (*group.Record, error)
	AllClosedGroupPublicKeys() ([]string, error)

	// AddClosedGroupEncryptionKeyPair appends kp unless an equal pair is
	// already stored, and reports whether it was appended.
	AddClosedGroupEncryptionKeyPair(publicKey string, kp *crypto.KeyPair, timestamp int64) (bool, error)
	// ClosedGroupEncryptionKeyPairs returns the history oldest first.
	ClosedGroupEncryptionKeyPairs(publicKey string) ([]*crypto.KeyPair, error)
	LatestClosedGroupEncryptionKeyPair(publicKey string) (*crypto.KeyPair, error)
	RemoveAllClosedGroupEncryptionKeyPairs(publicKey string) error
}

// ThreadStore maps conversation keys to thread ids and their settings.
type ThreadStore interface {
	GetOrCreateThreadID(key string) (int64, error)
	ThreadID(key string) (int64, error)
	SetExpirationTimer(key string, seconds uint32) error
	ExpirationTimer(key string) (uint32, error)
}

// MessageStore keeps persisted messages and attachments.
type MessageStore interface {
	// Persist stores rec. A record with the same author and sent timestamp
	// yields messaging.ErrDuplicateMessage.
	Persist(rec *MessageRecord) error
	MessageByTimestamp(author string, sentTimestamp int64) (*MessageRecord, error)
	MarkAsSent(author string, sentTimestamp int64) error
	SetErrorMessage(author string, sentTimestamp int64, message string) error
	// MarkAsRead flags the messages authored by author with the given sent
	// timestamps as read and returns how many it changed.
	MarkAsRead(author string, timestamps []int64) (int, error)
	StartExpiration(author string, sentTimestamp int64, startedAt int64) error

	SaveAttachment(a *AttachmentRecord) error
	Attachment(id string) (*AttachmentRecord, error)
}

// Store is the complete durable state.
type Store interface {
	IdentityStore
	GroupStore
	ThreadStore
	MessageStore
	Close() error
}

// MessageRecord is a persisted visible message.
type MessageRecord struct {
	ThreadID            int64                  `cbor:"1,keyasint"`
	Author              string                 `cbor:"2,keyasint"`
	SentTimestamp       int64                  `cbor:"3,keyasint"`
	ReceivedTimestamp   int64                  `cbor:"4,keyasint,omitempty"`
	Outgoing            bool                   `cbor:"5,keyasint,omitempty"`
	Body                string                 `cbor:"6,keyasint,omitempty"`
	Quote               *messaging.Quote       `cbor:"7,keyasint,omitempty"`
	LinkPreview         *messaging.LinkPreview `cbor:"8,keyasint,omitempty"`
	AttachmentIDs       []string               `cbor:"9,keyasint,omitempty"`
	State               messaging.MessageState `cbor:"10,keyasint"`
	Error               string                 `cbor:"11,keyasint,omitempty"`
	ExpiresIn           uint32                 `cbor:"12,keyasint,omitempty"` // seconds
	ExpirationStartedAt int64                  `cbor:"13,keyasint,omitempty"`
	OpenGroupServer     string                 `cbor:"14,keyasint,omitempty"`
}

// AttachmentState tracks an attachment download.
type AttachmentState uint8

const (
	AttachmentPending AttachmentState = iota
	AttachmentDownloaded
	AttachmentFailed
)

// AttachmentRecord is an attachment pointer and, once fetched, its data.
type AttachmentRecord struct {
	ID          string          `cbor:"1,keyasint"`
	ContentType string          `cbor:"2,keyasint,omitempty"`
	FileName    string          `cbor:"3,keyasint,omitempty"`
	Size        uint32          `cbor:"4,keyasint,omitempty"`
	URL         string          `cbor:"5,keyasint,omitempty"`
	State       AttachmentState `cbor:"6,keyasint"`
	Data        []byte          `cbor:"7,keyasint,omitempty"`
}
