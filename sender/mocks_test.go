package sender

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/encryption"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/storage"
	"github.com/opd-ai/swarmchat/swarm"
)

var errNodeDown = errors.New("node down")

type published struct {
	key  string
	data []byte
	ttl  time.Duration
}

// fakeTransport answers each Publish with the next entry of plan, one result
// per node. Once plan is used up every publish succeeds on a single node.
type fakeTransport struct {
	mu        sync.Mutex
	plan      [][]error
	published []published
}

func (f *fakeTransport) Publish(_ context.Context, key string, data []byte, ttl time.Duration) []<-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, published{key: key, data: append([]byte(nil), data...), ttl: ttl})
	outcome := []error{nil}
	if len(f.plan) > 0 {
		outcome = f.plan[0]
		f.plan = f.plan[1:]
	}

	results := make([]<-chan error, len(outcome))
	for i, err := range outcome {
		ch := make(chan error, 1)
		ch <- err
		results[i] = ch
	}
	return results
}

func (f *fakeTransport) Retrieve(context.Context, string) ([][]byte, error) {
	return nil, nil
}

func (f *fakeTransport) Upload(context.Context, []byte, time.Duration) (string, error) {
	return "", errNodeDown
}

func (f *fakeTransport) Download(context.Context, string) ([]byte, error) {
	return nil, swarm.ErrFileNotFound
}

func (f *fakeTransport) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
}

// sentTo returns the envelopes published under key.
func (f *fakeTransport) sentTo(key string) []published {
	var out []published
	for _, p := range f.sent() {
		if p.key == key {
			out = append(out, p)
		}
	}
	return out
}

type testUser struct {
	identity *crypto.Identity
	store    *storage.BoltStore
	sender   *Sender
}

func (u *testUser) id() string { return u.identity.SessionID() }

func newTestUser(t *testing.T, transport swarm.Transport, opts ...Option) *testUser {
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	store, err := storage.Open(filepath.Join(t.TempDir(), "swarmchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SetUserIdentity(identity))

	return &testUser{
		identity: identity,
		store:    store,
		sender:   New(identity, store, transport, opts...),
	}
}

// openEnvelope reverses Send for envelopes sealed to kp.
func openEnvelope(t *testing.T, data []byte, kp *crypto.KeyPair) (*messaging.Envelope, *messaging.Message, string, error) {
	t.Helper()
	env, err := messaging.UnmarshalEnvelope(data)
	require.NoError(t, err)

	padded, senderID, err := encryption.Decrypt(env.Content, kp)
	if err != nil {
		return env, nil, "", err
	}
	content, err := messaging.Unpad(padded)
	require.NoError(t, err)
	msg, err := messaging.DecodeContent(content)
	require.NoError(t, err)
	return env, msg, senderID, nil
}

// controlOf returns the control sub-kind of a closed group message.
func controlOf(t *testing.T, msg *messaging.Message) messaging.ControlKind {
	t.Helper()
	c, ok := msg.Kind.(*messaging.ClosedGroupControlMessage)
	require.True(t, ok, "expected closed group control, got %s", msg.KindName())
	return c.Control
}
