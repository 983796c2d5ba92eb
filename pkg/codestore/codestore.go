// Package codestore keeps short-lived one-time values (verification codes)
// in Redis so every service instance sees the same state.
package codestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roadside-backend/pkg/redis"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotFound means the key never existed, expired, or was already consumed.
var ErrNotFound = errors.New("code not found or expired")

type Store interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Consume(ctx context.Context, key string) (string, error)
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "roadside:code:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Put stores value under key, replacing any previous value and its TTL.
func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("codestore: ttl must be positive, got %s", ttl)
	}
	if err := s.client.GetClient().Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("codestore put: %w", err)
	}
	return nil
}

// Consume atomically reads and deletes key. A value can be consumed once.
func (s *RedisStore) Consume(ctx context.Context, key string) (string, error) {
	value, err := s.client.GetClient().GetDel(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("codestore consume: %w", err)
	}
	return value, nil
}
