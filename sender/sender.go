// Package sender turns messages into encrypted envelopes and publishes them
// to the swarm.
//
// Every Send runs through the same states: Prepared, Validated, Encrypted,
// Published and finally Succeeded or Failed. A send succeeds as soon as one
// storage node accepts the envelope and fails only when every node rejects
// it. Closed group operations (creation, membership changes, key rotation)
// are built on top of Send.
package sender

import (
	"fmt"
	"time"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/jobqueue"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/storage"
	"github.com/opd-ai/swarmchat/swarm"
)

// State is a step of the send pipeline.
type State uint8

const (
	StatePrepared State = iota
	StateValidated
	StateEncrypted
	StatePublished
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePrepared:
		return "prepared"
	case StateValidated:
		return "validated"
	case StateEncrypted:
		return "encrypted"
	case StatePublished:
		return "published"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Sender publishes messages on behalf of the local identity.
type Sender struct {
	identity  *crypto.Identity
	store     storage.Store
	transport swarm.Transport

	queue     *jobqueue.Queue
	pending   *group.PendingKeyPairs
	push      group.PushRegistrar
	clock     messaging.TimeProvider
	blockSize int
	ttl       time.Duration
}

// Option configures a Sender.
type Option func(*Sender)

// WithQueue sets the job queue used by SendDurably and CreateGroupAsync.
func WithQueue(q *jobqueue.Queue) Option {
	return func(s *Sender) { s.queue = q }
}

// WithPendingKeyPairs shares a pending key pair registry, typically with the
// receiver.
func WithPendingKeyPairs(p *group.PendingKeyPairs) Option {
	return func(s *Sender) { s.pending = p }
}

// WithPushRegistrar sets the push subscription hook for closed groups.
func WithPushRegistrar(p group.PushRegistrar) Option {
	return func(s *Sender) { s.push = p }
}

// WithTimeProvider overrides the clock used to stamp messages.
func WithTimeProvider(tp messaging.TimeProvider) Option {
	return func(s *Sender) { s.clock = tp }
}

// WithPaddingBlockSize sets the plaintext padding block size.
func WithPaddingBlockSize(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithTTL overrides the storage lifetime of messages whose kind uses the
// default.
func WithTTL(ttl time.Duration) Option {
	return func(s *Sender) { s.ttl = ttl }
}

// New creates a Sender for identity.
func New(identity *crypto.Identity, store storage.Store, transport swarm.Transport, opts ...Option) *Sender {
	s := &Sender{
		identity:  identity,
		store:     store,
		transport: transport,
		push:      group.NopRegistrar{},
		clock:     messaging.DefaultTimeProvider{},
		blockSize: messaging.DefaultPaddingBlockSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pending == nil {
		s.pending = group.NewPendingKeyPairs(group.DefaultReserveAttempts)
	}
	return s
}

// PendingKeyPairs returns the registry of in-flight closed group key pairs.
func (s *Sender) PendingKeyPairs() *group.PendingKeyPairs {
	return s.pending
}

func (s *Sender) selfID() string {
	return s.identity.SessionID()
}

func (s *Sender) now() int64 {
	return messaging.NowMillis(s.clock)
}
