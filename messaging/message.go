package messaging

import (
	"fmt"
	"time"
)

// DefaultTTL is how long storage nodes keep a message unless its kind
// overrides it.
const DefaultTTL = 14 * 24 * time.Hour

// MessageState represents the delivery state of a stored outgoing message.
type MessageState uint8

const (
	// MessageStatePending means the message is waiting to be sent.
	MessageStatePending MessageState = iota
	// MessageStateSending means the message is being sent.
	MessageStateSending
	// MessageStateSent means at least one storage node accepted the message.
	MessageStateSent
	// MessageStateRead means a read receipt for the message arrived.
	MessageStateRead
	// MessageStateFailed means the message failed to send.
	MessageStateFailed
)

func (s MessageState) String() string {
	switch s {
	case MessageStatePending:
		return "pending"
	case MessageStateSending:
		return "sending"
	case MessageStateSent:
		return "sent"
	case MessageStateRead:
		return "read"
	case MessageStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("MessageState(%d)", uint8(s))
	}
}

// Kind is the closed set of message payloads. Only types in this package
// implement it; switches over Kind must handle every variant.
type Kind interface {
	kindName() string
	validate() error
	ttl() time.Duration
}

// Message is a single protocol message together with its routing metadata.
// Sender, Recipient, ReceivedTimestamp and GroupPublicKey are filled in by
// the sending or receiving pipeline; SentTimestamp doubles as the identity of
// the message within a conversation.
type Message struct {
	Sender            string
	Recipient         string
	SentTimestamp     int64 // milliseconds since the Unix epoch
	ReceivedTimestamp int64
	ThreadID          int64
	// GroupPublicKey is set when the message travelled through a closed
	// group.
	GroupPublicKey string
	// OpenGroupServer is set when the message came from an open group or its
	// inbox.
	OpenGroupServer string
	// TTL overrides the kind default when non-zero.
	TTL time.Duration

	Kind Kind
}

// New wraps kind into a message stamped with the given sent time.
func New(kind Kind, sentTimestamp int64) *Message {
	return &Message{Kind: kind, SentTimestamp: sentTimestamp}
}

// KindName returns a short label for the message kind, used in logs and
// metrics.
func (m *Message) KindName() string {
	if m.Kind == nil {
		return "none"
	}
	return m.Kind.kindName()
}

// EffectiveTTL returns the storage lifetime for the message.
func (m *Message) EffectiveTTL() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	if m.Kind == nil {
		return DefaultTTL
	}
	return m.Kind.ttl()
}

// Validate checks the structural requirements of the message and its kind.
func (m *Message) Validate() error {
	if m.SentTimestamp <= 0 {
		return fmt.Errorf("%w: missing sent timestamp", ErrInvalidMessage)
	}
	if m.Kind == nil {
		return fmt.Errorf("%w: missing kind", ErrInvalidMessage)
	}
	switch m.Kind.(type) {
	case *VisibleMessage, *TypingIndicator, *ReadReceipt,
		*ExpirationTimerUpdate, *ClosedGroupControlMessage, *ConfigurationMessage:
		return m.Kind.validate()
	default:
		return fmt.Errorf("%w: unknown kind %T", ErrInvalidMessage, m.Kind)
	}
}

// IsSelfSendValid reports whether a message of this kind is legitimate when
// its sender is the local user. Configuration messages, closed group
// controls, sync copies and posts the user made in a closed group are meant
// for the user's other devices.
func (m *Message) IsSelfSendValid() bool {
	switch k := m.Kind.(type) {
	case *ConfigurationMessage, *ClosedGroupControlMessage:
		return true
	case *VisibleMessage:
		return k.SyncTarget != "" || m.GroupPublicKey != ""
	case *ExpirationTimerUpdate:
		return k.SyncTarget != "" || m.GroupPublicKey != ""
	default:
		return false
	}
}
