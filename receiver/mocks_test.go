package receiver

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/encryption"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/sender"
	"github.com/opd-ai/swarmchat/storage"
	"github.com/opd-ai/swarmchat/swarm"
)

// tickClock advances one millisecond on every reading so that messages
// sent back to back get distinct timestamps.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickClock() *tickClock {
	return &tickClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fakeNotifier struct {
	mu       sync.Mutex
	received []*storage.MessageRecord
}

func (n *fakeNotifier) MessageReceived(_ int64, rec *storage.MessageRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, rec)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.received)
}

type rotation struct {
	group   string
	members []string
}

// fakeKeys records key distribution requests.
type fakeKeys struct {
	mu        sync.Mutex
	latest    []string
	rotations []rotation
}

func (f *fakeKeys) SendLatestKeyPairTo(_ context.Context, member, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = append(f.latest, member)
	return nil
}

func (f *fakeKeys) GenerateAndDistributeNewKeyPair(_ context.Context, groupPublicKey string, members []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations = append(f.rotations, rotation{group: groupPublicKey, members: members})
	return nil
}

// peer is a user with both halves of the pipeline on a shared swarm.
type peer struct {
	identity *crypto.Identity
	store    *storage.BoltStore
	sender   *sender.Sender
	receiver *Receiver
	typing   *TypingState
	notifier *fakeNotifier
}

func (p *peer) id() string { return p.identity.SessionID() }

func newPeer(t *testing.T, transport swarm.Transport, opts ...Option) *peer {
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return newDevice(t, transport, identity, opts...)
}

// newDevice is another installation of an existing identity, with its own
// store.
func newDevice(t *testing.T, transport swarm.Transport, identity *crypto.Identity, opts ...Option) *peer {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "swarmchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SetUserIdentity(identity))

	s := sender.New(identity, store, transport, sender.WithTimeProvider(newTickClock()))
	p := &peer{
		identity: identity,
		store:    store,
		sender:   s,
		typing:   NewTypingState(time.Minute),
		notifier: &fakeNotifier{},
	}
	opts = append([]Option{
		WithKeyDistributor(s),
		WithTypingTracker(p.typing),
		WithNotifier(p.notifier),
	}, opts...)
	p.receiver, err = New(identity, store, transport, opts...)
	require.NoError(t, err)
	return p
}

func newTestSwarm() *swarm.Swarm {
	return swarm.New(swarm.NewMemoryNode("node-1"))
}

// seal builds a session envelope from sender to recipientID by hand.
func seal(t *testing.T, from *crypto.Identity, recipientID string, msg *messaging.Message, envelopeTimestamp int64) []byte {
	t.Helper()
	content, err := messaging.EncodeContent(msg)
	require.NoError(t, err)
	padded, err := messaging.Pad(content, messaging.DefaultPaddingBlockSize)
	require.NoError(t, err)
	ct, err := encryption.Encrypt(padded, recipientID, from)
	require.NoError(t, err)
	env := &messaging.Envelope{
		Type:      messaging.EnvelopeSessionMessage,
		Timestamp: envelopeTimestamp,
		Content:   ct,
	}
	data, err := env.Marshal()
	require.NoError(t, err)
	return data
}
