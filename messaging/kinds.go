package messaging

import (
	"fmt"
	"time"
)

// Quote references an earlier message being replied to.
type Quote struct {
	Timestamp int64  `cbor:"1,keyasint"`
	Author    string `cbor:"2,keyasint"`
	Text      string `cbor:"3,keyasint,omitempty"`
}

// LinkPreview describes a URL embedded in a visible message.
type LinkPreview struct {
	URL          string `cbor:"1,keyasint"`
	Title        string `cbor:"2,keyasint,omitempty"`
	AttachmentID string `cbor:"3,keyasint,omitempty"`
}

// Attachment points at a blob uploaded to a file server.
type Attachment struct {
	ID          string `cbor:"1,keyasint"`
	ContentType string `cbor:"2,keyasint,omitempty"`
	FileName    string `cbor:"3,keyasint,omitempty"`
	Size        uint32 `cbor:"4,keyasint,omitempty"`
	URL         string `cbor:"5,keyasint,omitempty"`
}

// Profile is the sender's display information attached to visible messages.
type Profile struct {
	DisplayName       string `cbor:"1,keyasint,omitempty"`
	ProfilePictureURL string `cbor:"2,keyasint,omitempty"`
	ProfileKey        []byte `cbor:"3,keyasint,omitempty"`
}

// VisibleMessage is user-facing content.
type VisibleMessage struct {
	Text        string       `cbor:"1,keyasint,omitempty"`
	Quote       *Quote       `cbor:"2,keyasint,omitempty"`
	LinkPreview *LinkPreview `cbor:"3,keyasint,omitempty"`
	Attachments []Attachment `cbor:"4,keyasint,omitempty"`
	Profile     *Profile     `cbor:"5,keyasint,omitempty"`
	// SyncTarget names the original recipient when this is a copy
	// addressed at the sender's other devices.
	SyncTarget string `cbor:"6,keyasint,omitempty"`
}

func (*VisibleMessage) kindName() string    { return "visible" }
func (*VisibleMessage) ttl() time.Duration { return DefaultTTL }

func (v *VisibleMessage) validate() error {
	if v.Text == "" && len(v.Attachments) == 0 && v.Quote == nil && v.LinkPreview == nil {
		return fmt.Errorf("%w: visible message has no content", ErrInvalidMessage)
	}
	if v.Quote != nil && (v.Quote.Timestamp <= 0 || v.Quote.Author == "") {
		return fmt.Errorf("%w: incomplete quote", ErrInvalidMessage)
	}
	if v.LinkPreview != nil && v.LinkPreview.URL == "" {
		return fmt.Errorf("%w: link preview without url", ErrInvalidMessage)
	}
	for _, a := range v.Attachments {
		if a.ID == "" {
			return fmt.Errorf("%w: attachment without id", ErrInvalidMessage)
		}
	}
	return nil
}

// TypingKind distinguishes typing started from typing stopped.
type TypingKind uint8

const (
	TypingStarted TypingKind = iota
	TypingStopped
)

// TypingIndicator signals a change in the sender's typing state.
type TypingIndicator struct {
	Kind TypingKind `cbor:"1,keyasint"`
}

// typingTTL keeps stale indicators from being delivered.
const typingTTL = 20 * time.Second

func (*TypingIndicator) kindName() string    { return "typing" }
func (*TypingIndicator) ttl() time.Duration { return typingTTL }

func (t *TypingIndicator) validate() error {
	switch t.Kind {
	case TypingStarted, TypingStopped:
		return nil
	default:
		return fmt.Errorf("%w: unknown typing kind %d", ErrInvalidMessage, t.Kind)
	}
}

// ReadReceipt acknowledges messages by their sent timestamps.
type ReadReceipt struct {
	Timestamps []int64 `cbor:"1,keyasint"`
}

func (*ReadReceipt) kindName() string    { return "read_receipt" }
func (*ReadReceipt) ttl() time.Duration { return DefaultTTL }

func (r *ReadReceipt) validate() error {
	if len(r.Timestamps) == 0 {
		return fmt.Errorf("%w: read receipt without timestamps", ErrInvalidMessage)
	}
	return nil
}

// ExpirationTimerUpdate changes the disappearing-message timer of a thread.
// A zero Duration disables expiration.
type ExpirationTimerUpdate struct {
	Duration   uint32 `cbor:"1,keyasint"` // seconds
	SyncTarget string `cbor:"2,keyasint,omitempty"`
}

func (*ExpirationTimerUpdate) kindName() string    { return "expiration_timer_update" }
func (*ExpirationTimerUpdate) ttl() time.Duration { return DefaultTTL }
func (*ExpirationTimerUpdate) validate() error    { return nil }

// ConfigClosedGroup is one group entry of a configuration message.
type ConfigClosedGroup struct {
	PublicKey         string   `cbor:"1,keyasint"`
	Name              string   `cbor:"2,keyasint"`
	EncryptionKeyPair []byte   `cbor:"3,keyasint"` // MarshalKeyPair output
	Members           []string `cbor:"4,keyasint"`
	Admins            []string `cbor:"5,keyasint"`
}

// ConfigurationMessage carries account state to the user's other devices.
type ConfigurationMessage struct {
	DisplayName       string              `cbor:"1,keyasint,omitempty"`
	ProfilePictureURL string              `cbor:"2,keyasint,omitempty"`
	ProfileKey        []byte              `cbor:"3,keyasint,omitempty"`
	ClosedGroups      []ConfigClosedGroup `cbor:"4,keyasint,omitempty"`
}

func (*ConfigurationMessage) kindName() string    { return "configuration" }
func (*ConfigurationMessage) ttl() time.Duration { return DefaultTTL }

func (c *ConfigurationMessage) validate() error {
	for _, g := range c.ClosedGroups {
		if g.PublicKey == "" || len(g.EncryptionKeyPair) == 0 || len(g.Members) == 0 || len(g.Admins) == 0 {
			return fmt.Errorf("%w: incomplete closed group entry", ErrInvalidMessage)
		}
	}
	return nil
}
