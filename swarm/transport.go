package swarm

import (
	"context"
	"errors"
	"time"
)

// ErrNoNodes is returned when a swarm has no storage nodes configured.
var ErrNoNodes = errors.New("swarm: no storage nodes")

// ErrFileNotFound is returned by Download when no node holds the file.
var ErrFileNotFound = errors.New("swarm: file not found")

// Transport moves opaque envelopes and files to and from storage nodes.
type Transport interface {
	// Publish stores data under key on every node. Each returned channel
	// yields exactly one value: nil when that node accepted the data.
	Publish(ctx context.Context, key string, data []byte, ttl time.Duration) []<-chan error
	// Retrieve returns every envelope stored under key on any node.
	Retrieve(ctx context.Context, key string) ([][]byte, error)
	// Upload stores a file and returns its id.
	Upload(ctx context.Context, data []byte, ttl time.Duration) (string, error)
	// Download fetches a file by id.
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// Node is a single storage node.
type Node interface {
	Name() string
	Store(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Fetch(ctx context.Context, key string) ([][]byte, error)
}
