// Package receiver authenticates envelopes fetched from the swarm, turns
// them back into messages and applies their effects to local state.
//
// Parse handles the cryptographic side: it opens the envelope with the key
// the envelope type calls for, checks the content and rejects replays and
// invalid self sends. Handle dispatches the resulting message by kind.
// Receive does both and is what polling calls for every stored envelope.
package receiver

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/encryption"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/jobqueue"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/storage"
	"github.com/opd-ai/swarmchat/swarm"
)

// DefaultDedupCacheSize is the number of (sender, timestamp) pairs
// remembered to drop repeated envelopes without touching the store.
const DefaultDedupCacheSize = 4096

// OpenGroupContext describes the community server an envelope was fetched
// from. It is required for blinded messages.
type OpenGroupContext struct {
	Server          string
	ServerPublicKey [32]byte
}

type dedupKey struct {
	sender    string
	timestamp int64
}

// Receiver processes incoming envelopes for the local identity.
type Receiver struct {
	identity  *crypto.Identity
	store     storage.Store
	transport swarm.Transport

	keys     KeyDistributor
	queue    *jobqueue.Queue
	push     group.PushRegistrar
	read     ReadTracker
	typing   TypingTracker
	notifier Notifier
	clock    messaging.TimeProvider

	cacheSize int
	seen      *lru.Cache[dedupKey, struct{}]
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithKeyDistributor lets an admin receiver answer membership changes with
// key pairs.
func WithKeyDistributor(k KeyDistributor) Option {
	return func(r *Receiver) { r.keys = k }
}

// WithQueue sets the queue attachment downloads run on.
func WithQueue(q *jobqueue.Queue) Option {
	return func(r *Receiver) { r.queue = q }
}

// WithPushRegistrar sets the push subscription hook for closed groups.
func WithPushRegistrar(p group.PushRegistrar) Option {
	return func(r *Receiver) { r.push = p }
}

// WithReadTracker replaces the store backed read tracker.
func WithReadTracker(t ReadTracker) Option {
	return func(r *Receiver) { r.read = t }
}

// WithTypingTracker sets the typing state collaborator.
func WithTypingTracker(t TypingTracker) Option {
	return func(r *Receiver) { r.typing = t }
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(r *Receiver) { r.notifier = n }
}

// WithTimeProvider overrides the clock used for received timestamps.
func WithTimeProvider(tp messaging.TimeProvider) Option {
	return func(r *Receiver) { r.clock = tp }
}

// WithDedupCacheSize sets the size of the replay cache.
func WithDedupCacheSize(n int) Option {
	return func(r *Receiver) { r.cacheSize = n }
}

// New creates a Receiver for identity.
func New(identity *crypto.Identity, store storage.Store, transport swarm.Transport, opts ...Option) (*Receiver, error) {
	r := &Receiver{
		identity:  identity,
		store:     store,
		transport: transport,
		push:      group.NopRegistrar{},
		typing:    NewTypingState(0),
		notifier:  nopNotifier{},
		clock:     messaging.DefaultTimeProvider{},
		cacheSize: DefaultDedupCacheSize,
	}
	r.read = &storeReadTracker{store: store, selfID: identity.SessionID()}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize <= 0 {
		r.cacheSize = DefaultDedupCacheSize
	}
	seen, err := lru.New[dedupKey, struct{}](r.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	r.seen = seen
	return r, nil
}

func (r *Receiver) selfID() string { return r.identity.SessionID() }

func (r *Receiver) now() int64 { return messaging.NowMillis(r.clock) }

// Parse opens an envelope and returns the authenticated message it carries.
// og is only consulted for open group envelopes and may be nil otherwise.
func (r *Receiver) Parse(data []byte, og *OpenGroupContext) (*messaging.Message, *messaging.Envelope, error) {
	env, err := messaging.UnmarshalEnvelope(data)
	if err != nil {
		return nil, nil, messaging.NewError("parse", err)
	}

	var (
		padded   []byte
		senderID string
		groupPK  string
		server   string
	)
	switch env.Type {
	case messaging.EnvelopeSessionMessage:
		padded, senderID, err = encryption.Decrypt(env.Content, r.identity.Encryption)
	case messaging.EnvelopeClosedGroupMessage:
		groupPK = env.Source
		padded, senderID, err = r.decryptClosedGroup(env)
	case messaging.EnvelopeOpenGroupMessage:
		server = env.Source
		if og != nil && og.Server != "" {
			server = og.Server
		}
		padded, senderID, err = encryption.VerifyOpenGroup(env.Content)
	case messaging.EnvelopeBlindedMessage:
		if og == nil {
			return nil, env, messaging.Errorf("parse", messaging.ErrDecryptionFailed, "blinded message without open group context")
		}
		padded, senderID, err = encryption.DecryptBlinded(env.Content, env.Source, og.ServerPublicKey, r.identity)
	default:
		return nil, env, messaging.Errorf("parse", messaging.ErrInvalidMessage, "envelope type %s", env.Type)
	}
	if err != nil {
		return nil, env, err
	}

	content, err := messaging.Unpad(padded)
	if err != nil {
		return nil, env, messaging.Errorf("parse", messaging.ErrInvalidMessage, "%v", err)
	}
	msg, err := messaging.DecodeContent(content)
	if err != nil {
		return nil, env, messaging.NewError("parse", err)
	}
	if msg.SentTimestamp != env.Timestamp {
		return nil, env, messaging.Errorf("parse", messaging.ErrInvalidMessage,
			"content timestamp %d does not match envelope timestamp %d", msg.SentTimestamp, env.Timestamp)
	}

	msg.Sender = senderID
	msg.GroupPublicKey = groupPK
	msg.OpenGroupServer = server
	msg.ReceivedTimestamp = r.now()
	switch {
	case groupPK != "":
		msg.Recipient = groupPK
	case server != "":
		msg.Recipient = server
	default:
		msg.Recipient = r.selfID()
	}

	if err := msg.Validate(); err != nil {
		return nil, env, messaging.NewError("parse", err)
	}
	if senderID == r.selfID() && !msg.IsSelfSendValid() {
		return nil, env, messaging.Errorf("parse", messaging.ErrSelfSend, "%s from self", msg.KindName())
	}
	if r.seen.Contains(dedupKey{senderID, msg.SentTimestamp}) {
		return nil, env, messaging.Errorf("parse", messaging.ErrDuplicateMessage, "%s at %d", crypto.KeyPreview(senderID), msg.SentTimestamp)
	}
	return msg, env, nil
}

// decryptClosedGroup tries the group's key pairs newest first.
func (r *Receiver) decryptClosedGroup(env *messaging.Envelope) ([]byte, string, error) {
	pairs, err := r.store.ClosedGroupEncryptionKeyPairs(env.Source)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, "", messaging.NewError("parse", err)
	}
	if len(pairs) == 0 {
		return nil, "", messaging.Errorf("parse", messaging.ErrNoKeyPair, "group %s", crypto.KeyPreview(env.Source))
	}

	var lastErr error
	for i := len(pairs) - 1; i >= 0; i-- {
		plaintext, sender, err := encryption.Decrypt(env.Content, pairs[i])
		if err == nil {
			return plaintext, sender, nil
		}
		lastErr = err
	}
	if errors.Is(lastErr, messaging.ErrInvalidSignature) {
		return nil, "", lastErr
	}
	return nil, "", messaging.Errorf("parse", messaging.ErrDecryptionFailed,
		"none of %d key pairs of group %s opens the message", len(pairs), crypto.KeyPreview(env.Source))
}

// Receive parses and handles one envelope. Envelopes that fail for a
// reason that will not change are remembered so a later poll skips them.
func (r *Receiver) Receive(ctx context.Context, data []byte, og *OpenGroupContext) (*messaging.Message, error) {
	msg, _, err := r.Parse(data, og)
	if err != nil {
		messagesReceived.WithLabelValues("unknown", resultLabel(err)).Inc()
		return nil, err
	}

	err = r.Handle(ctx, msg)
	messagesReceived.WithLabelValues(msg.KindName(), resultLabel(err)).Inc()
	if err == nil || !messaging.IsRetryable(err) {
		r.seen.Add(dedupKey{msg.Sender, msg.SentTimestamp}, struct{}{})
	}
	return msg, err
}

// Poll fetches everything stored under key and receives it. Failures are
// logged and dropped; Poll reports how many messages were handled.
func (r *Receiver) Poll(ctx context.Context, key string, og *OpenGroupContext) (int, error) {
	items, err := r.transport.Retrieve(ctx, key)
	if err != nil {
		return 0, err
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "Poll",
		"key":      crypto.KeyPreview(key),
	})
	handled := 0
	for _, data := range items {
		msg, err := r.Receive(ctx, data, og)
		switch {
		case err == nil:
			handled++
		case errors.Is(err, messaging.ErrDuplicateMessage):
			logger.Debug("Dropped duplicate message")
		default:
			fields := logrus.Fields{"error": err.Error()}
			if msg != nil {
				fields["kind"] = msg.KindName()
				fields["sender"] = crypto.KeyPreview(msg.Sender)
			}
			logger.WithFields(fields).Warn("Dropped message")
		}
	}
	return handled, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, messaging.ErrDuplicateMessage):
		return "duplicate"
	default:
		return "dropped"
	}
}
