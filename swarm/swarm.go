package swarm

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const filePrefix = "file/"

// Swarm fans operations out to a fixed set of nodes.
type Swarm struct {
	nodes []Node
}

// New creates a swarm over nodes.
func New(nodes ...Node) *Swarm {
	return &Swarm{nodes: nodes}
}

// Nodes returns the configured nodes.
func (s *Swarm) Nodes() []Node {
	return s.nodes
}

// Publish stores data on every node concurrently. Node writes are not
// cancelled once started; ctx bounds each write through the node itself.
func (s *Swarm) Publish(ctx context.Context, key string, data []byte, ttl time.Duration) []<-chan error {
	if len(s.nodes) == 0 {
		ch := make(chan error, 1)
		ch <- ErrNoNodes
		return []<-chan error{ch}
	}

	results := make([]<-chan error, len(s.nodes))
	for i, node := range s.nodes {
		node := node
		ch := make(chan error, 1)
		results[i] = ch
		go func() {
			err := node.Store(ctx, key, data, ttl)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Publish",
					"node":     node.Name(),
					"error":    err.Error(),
				}).Debug("Node rejected message")
				err = fmt.Errorf("node %s: %w", node.Name(), err)
			}
			ch <- err
		}()
	}
	return results
}

// Retrieve queries every node and merges their results, dropping identical
// envelopes. It fails only when every node fails.
func (s *Swarm) Retrieve(ctx context.Context, key string) ([][]byte, error) {
	if len(s.nodes) == 0 {
		return nil, ErrNoNodes
	}

	type result struct {
		items [][]byte
		err   error
	}
	results := make([]result, len(s.nodes))
	var wg sync.WaitGroup
	for i, node := range s.nodes {
		i, node := i, node
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := node.Fetch(ctx, key)
			if err != nil {
				err = fmt.Errorf("node %s: %w", node.Name(), err)
			}
			results[i] = result{items: items, err: err}
		}()
	}
	wg.Wait()

	seen := make(map[[32]byte]struct{})
	var merged [][]byte
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		for _, item := range r.items {
			h := sha256.Sum256(item)
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			merged = append(merged, item)
		}
	}
	if len(errs) == len(s.nodes) {
		return nil, errors.Join(errs...)
	}
	return merged, nil
}

// Upload stores data under a fresh file id and succeeds once any node has
// accepted it.
func (s *Swarm) Upload(ctx context.Context, data []byte, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	var errs []error
	for _, ch := range s.Publish(ctx, filePrefix+id, data, ttl) {
		err := <-ch
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	return "", fmt.Errorf("upload: %w", errors.Join(errs...))
}

// Download returns the file from the first node that holds it.
func (s *Swarm) Download(ctx context.Context, fileID string) ([]byte, error) {
	var errs []error
	for _, node := range s.nodes {
		items, err := node.Fetch(ctx, filePrefix+fileID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(items) > 0 {
			return items[len(items)-1], nil
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrFileNotFound}, errs...)...)
	}
	return nil, ErrFileNotFound
}

var _ Transport = (*Swarm)(nil)
