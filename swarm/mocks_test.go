package swarm

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errNodeDown = errors.New("node down")

// mockNode implements Node with optional failure injection.
type mockNode struct {
	name string
	fail bool

	mu     sync.Mutex
	stored map[string][][]byte
}

func newMockNode(name string, fail bool) *mockNode {
	return &mockNode{name: name, fail: fail, stored: make(map[string][][]byte)}
}

func (m *mockNode) Name() string { return m.name }

func (m *mockNode) Store(_ context.Context, key string, data []byte, _ time.Duration) error {
	if m.fail {
		return errNodeDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[key] = append(m.stored[key], data)
	return nil
}

func (m *mockNode) Fetch(_ context.Context, key string) ([][]byte, error) {
	if m.fail {
		return nil, errNodeDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored[key], nil
}
