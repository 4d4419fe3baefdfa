package swarm

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryNode is an in-process storage node.
type MemoryNode struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string][]memoryEntry
}

// NewMemoryNode creates an empty in-process node.
func NewMemoryNode(name string) *MemoryNode {
	return &MemoryNode{
		name:    name,
		now:     time.Now,
		entries: make(map[string][]memoryEntry),
	}
}

// Name returns the node name.
func (n *MemoryNode) Name() string { return n.name }

// Store appends data to key's list.
func (n *MemoryNode) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	entry := memoryEntry{data: append([]byte(nil), data...)}
	if ttl > 0 {
		entry.expires = n.now().Add(ttl)
	}
	n.entries[key] = append(n.entries[key], entry)
	return nil
}

// Fetch returns the live entries under key in insertion order and drops
// expired ones.
func (n *MemoryNode) Fetch(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	live := n.entries[key][:0]
	var out [][]byte
	for _, e := range n.entries[key] {
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		live = append(live, e)
		out = append(out, append([]byte(nil), e.data...))
	}
	if len(live) == 0 {
		delete(n.entries, key)
	} else {
		n.entries[key] = live
	}
	return out, nil
}
