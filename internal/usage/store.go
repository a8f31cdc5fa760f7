// Package usage counts which transfer nodes handled mail and which sender
// addresses used them, from best-effort datagrams sent after each delivery.
package usage

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Count is one counter of a Store view.
type Count struct {
	Key string
	N   int64
}

func (c Count) String() string {
	return c.Key + " " + strconv.FormatInt(c.N, 10)
}

// Store accumulates usage counters.
type Store interface {
	// Add counts one mail sent by address through server.
	Add(ctx context.Context, server, address string) error
	// Servers returns the per-server counts, highest first.
	Servers(ctx context.Context) ([]Count, error)
	// Addresses returns the per-address counts, highest first.
	Addresses(ctx context.Context) ([]Count, error)
}

// sortCounts orders by descending count, then by key.
func sortCounts(counts []Count) {
	slices.SortFunc(counts, func(a, b Count) int {
		if a.N != b.N {
			if a.N > b.N {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	servers   map[string]int64
	addresses map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:   make(map[string]int64),
		addresses: make(map[string]int64),
	}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, server, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[server]++
	s.addresses[address]++
	return nil
}

// Servers implements Store.
func (s *MemoryStore) Servers(_ context.Context) ([]Count, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.servers), nil
}

// Addresses implements Store.
func (s *MemoryStore) Addresses(_ context.Context) ([]Count, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.addresses), nil
}

func snapshot(m map[string]int64) []Count {
	counts := make([]Count, 0, len(m))
	for k, n := range m {
		counts = append(counts, Count{Key: k, N: n})
	}
	sortCounts(counts)
	return counts
}

// RedisStore keeps counters in two Redis hashes, <prefix>:servers and
// <prefix>:addresses, so several monitors can share them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the connection settings of a RedisStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mailfabric:usage"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, server, address string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, s.prefix+":servers", server, 1)
		pipe.HIncrBy(ctx, s.prefix+":addresses", address, 1)
		return nil
	})
	return err
}

// Servers implements Store.
func (s *RedisStore) Servers(ctx context.Context) ([]Count, error) {
	return s.counts(ctx, s.prefix+":servers")
}

// Addresses implements Store.
func (s *RedisStore) Addresses(ctx context.Context) ([]Count, error) {
	return s.counts(ctx, s.prefix+":addresses")
}

func (s *RedisStore) counts(ctx context.Context, key string) ([]Count, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	counts := make([]Count, 0, len(fields))
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s of %s: %w", k, key, err)
		}
		counts = append(counts, Count{Key: k, N: n})
	}
	sortCounts(counts)
	return counts, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
