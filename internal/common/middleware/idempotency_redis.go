package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore keeps replayable responses in Redis.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore returns a store writing keys under prefix.
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

// Get implements IdempotencyStore.
func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set implements IdempotencyStore.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, response, ttl).Err()
}
