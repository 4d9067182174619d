// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"querydock/platform/shared/logger"
)

const tokenKeyPrefix = "querydock:token:"

// RedisTokenCache shares federated security tokens across service
// instances, so each replica does not mint its own token per user.
// Entries expire with the token itself.
type RedisTokenCache struct {
	client *redis.Client
	log    *logger.Logger
}

// RedisTokenCacheOptions configures a RedisTokenCache.
type RedisTokenCacheOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisTokenCache creates a token cache and verifies connectivity.
func NewRedisTokenCache(ctx context.Context, opts RedisTokenCacheOptions) (*RedisTokenCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisTokenCache{
		client: client,
		log:    logger.New("connections.credentials.tokencache"),
	}, nil
}

// Get returns the cached token for the key, ok=false on a miss.
func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, bool, error) {
	token, err := c.client.Get(ctx, tokenKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("token cache get: %w", err)
	}
	return token, true, nil
}

// Put stores a token under the key with the given TTL.
func (c *RedisTokenCache) Put(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, tokenKeyPrefix+key, token, ttl).Err(); err != nil {
		return fmt.Errorf("token cache put: %w", err)
	}
	return nil
}

// Invalidate removes the cached token for the key.
func (c *RedisTokenCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, tokenKeyPrefix+key).Err()
}

// Close releases the underlying Redis client.
func (c *RedisTokenCache) Close() error {
	return c.client.Close()
}
