package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courier-dev/courier/agent"
)

// RedisStore backs the cache middleware with Redis, for deployments
// where several courier processes should share one result cache.
// Expiry is delegated to Redis key TTLs; capacity is left to the
// server's own maxmemory eviction policy.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all cache keys (default: "courier:cache:").
	Prefix string `yaml:"prefix"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, ttl time.Duration) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client (useful for testing).
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "courier:cache:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisKey hashes the structured cache key so arbitrary message content
// never produces oversized or unprintable Redis keys.
func (s *RedisStore) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}

func (s *RedisStore) Get(ctx context.Context, key string) (*agent.Result, bool) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}

	var res agent.Result
	if err := json.Unmarshal(data, &res); err != nil {
		_ = s.client.Del(ctx, s.redisKey(key)).Err()
		return nil, false
	}
	return &res, true
}

func (s *RedisStore) Set(ctx context.Context, key string, res *agent.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = s.client.Set(ctx, s.redisKey(key), data, s.ttl).Err()
}

// Sweep is a no-op: Redis expires keys natively.
func (s *RedisStore) Sweep(ctx context.Context) int { return 0 }

func (s *RedisStore) Len(ctx context.Context) int {
	var count int
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}
