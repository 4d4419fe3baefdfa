package swarmchat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/swarmchat/crypto"
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

// newTestClient starts a client in its own data directory on the given
// nodes.
func newTestClient(t *testing.T, identity *crypto.Identity, nodes ...swarm.Node) *Client {
	t.Helper()
	return newTestClientIn(t, t.TempDir(), identity, nodes...)
}

func newTestClientIn(t *testing.T, dir string, identity *crypto.Identity, nodes ...swarm.Node) *Client {
	t.Helper()
	options, err := NewOptions(dir)
	require.NoError(t, err)
	options.Nodes = nodes
	options.Identity = identity
	options.TimeProvider = newTickClock()

	c, err := New(options)
	require.NoError(t, err)
	t.Cleanup(c.Kill)
	return c
}

func await(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}
