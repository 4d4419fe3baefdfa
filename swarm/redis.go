package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisInboxPrefix   = "swarm:inbox:" // swarm:inbox:{key} - list of message ids
	redisMessagePrefix = "swarm:msg:"   // swarm:msg:{id} - message content
)

// RedisNode stores messages in Redis. Every message is its own key with the
// requested TTL; a list per recipient key references them in arrival order.
type RedisNode struct {
	name string
	rdb  redis.UniversalClient
}

// NewRedisNode wraps an existing Redis client.
func NewRedisNode(name string, rdb redis.UniversalClient) *RedisNode {
	return &RedisNode{name: name, rdb: rdb}
}

// DialRedisNode connects to the Redis server at addr.
func DialRedisNode(name, addr string) *RedisNode {
	return NewRedisNode(name, redis.NewClient(&redis.Options{Addr: addr}))
}

// Name returns the node name.
func (n *RedisNode) Name() string { return n.name }

// Store saves data and appends it to key's inbox.
func (n *RedisNode) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	id := uuid.NewString()
	_, err := n.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisMessagePrefix+id, data, ttl)
		pipe.RPush(ctx, redisInboxPrefix+key, id)
		if ttl > 0 {
			pipe.Expire(ctx, redisInboxPrefix+key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// Fetch returns the live messages under key and prunes expired references.
func (n *RedisNode) Fetch(ctx context.Context, key string) ([][]byte, error) {
	inbox := redisInboxPrefix + key
	ids, err := n.rdb.LRange(ctx, inbox, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get message queue: %w", err)
	}

	var out [][]byte
	for _, id := range ids {
		data, err := n.rdb.Get(ctx, redisMessagePrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			n.rdb.LRem(ctx, inbox, 1, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get message: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

// Close closes the Redis client.
func (n *RedisNode) Close() error {
	return n.rdb.Close()
}
