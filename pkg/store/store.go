package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	internalstore "github.com/SmitUplenchwar2687/bastion/internal/store"
)

// ErrUnavailable is wrapped by every error caused by an unreachable backend.
var ErrUnavailable = internalstore.ErrUnavailable

// Store is the counter store contract shared by every backend.
type Store = internalstore.Store

// Record is the state kept for one key.
type Record = internalstore.Record

// MemoryConfig configures the in-process backend.
type MemoryConfig = internalstore.MemoryConfig

// MemoryStore keeps records in a sharded map.
type MemoryStore = internalstore.MemoryStore

// RedisConfig configures the shared backend.
type RedisConfig = internalstore.RedisConfig

// RedisStore keeps records in Redis so every instance shares them.
type RedisStore = internalstore.RedisStore

// NewMemoryStore builds a MemoryStore and starts its janitor.
func NewMemoryStore(cfg *MemoryConfig) (*MemoryStore, error) {
	return internalstore.NewMemoryStore(cfg)
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	return internalstore.NewRedisStore(ctx, cfg)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	return internalstore.NewRedisStoreFromClient(client, prefix)
}
