// Package cache provides the shared Redis-backed cache for profile snapshots
// and reputation aggregates. It is optional: the engine runs fully without it
// and only uses it to warm cross-device reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
)

// ErrNotFound is returned when a cached value is absent or expired.
var ErrNotFound = errors.New("cache: not found")

// RedisCache stores profile and reputation snapshots in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	maxAge time.Duration
}

// New connects to Redis and verifies the connection.
func New(redisURL string, maxAge time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, maxAge), nil
}

// NewWithClient creates a cache from an existing Redis client.
func NewWithClient(client *redis.Client, maxAge time.Duration) *RedisCache {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	return &RedisCache{
		client: client,
		prefix: "ideas:",
		maxAge: maxAge,
	}
}

func (c *RedisCache) profileKey(profileID string) string {
	return c.prefix + "profile:" + profileID
}

func (c *RedisCache) reputationKey(actorID string) string {
	return c.prefix + "reputation:" + actorID
}

// PutProfile caches a profile snapshot with the configured TTL.
func (c *RedisCache) PutProfile(ctx context.Context, profile entity.Entity) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := c.client.Set(ctx, c.profileKey(profile.ID), data, c.maxAge).Err(); err != nil {
		return fmt.Errorf("cache profile: %w", err)
	}
	return nil
}

// GetProfile returns a cached profile snapshot, or ErrNotFound.
func (c *RedisCache) GetProfile(ctx context.Context, profileID string) (entity.Entity, error) {
	data, err := c.client.Get(ctx, c.profileKey(profileID)).Result()
	if err == redis.Nil {
		return entity.Entity{}, ErrNotFound
	}
	if err != nil {
		return entity.Entity{}, fmt.Errorf("lookup profile: %w", err)
	}
	var profile entity.Entity
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return entity.Entity{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return profile, nil
}

// SetReputation caches an actor's derived reputation value.
func (c *RedisCache) SetReputation(ctx context.Context, actorID string, value int) error {
	if err := c.client.Set(ctx, c.reputationKey(actorID), value, c.maxAge).Err(); err != nil {
		return fmt.Errorf("cache reputation: %w", err)
	}
	return nil
}

// Reputation returns a cached reputation value, or ErrNotFound.
func (c *RedisCache) Reputation(ctx context.Context, actorID string) (int, error) {
	value, err := c.client.Get(ctx, c.reputationKey(actorID)).Int()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup reputation: %w", err)
	}
	return value, nil
}

// Invalidate drops a cached profile so the next read goes to the server.
func (c *RedisCache) Invalidate(ctx context.Context, profileID string) error {
	if err := c.client.Del(ctx, c.profileKey(profileID)).Err(); err != nil {
		return fmt.Errorf("invalidate profile: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
