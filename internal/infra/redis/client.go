package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for cross-instance coordination.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func recoveryLockKey(failureID string) string {
	return fmt.Sprintf("recovery_lock:%s", failureID)
}

func cooldownKey(repository, pattern string) string {
	return fmt.Sprintf("escalation_cooldown:%s:%s", repository, pattern)
}

// AcquireRecoveryLock attempts to claim the single recovery slot for a
// failure. The TTL guards against a crashed holder wedging the failure
// forever.
func (c *Client) AcquireRecoveryLock(
	ctx context.Context,
	failureID string,
	ttl time.Duration,
) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, recoveryLockKey(failureID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseRecoveryLock releases the recovery slot for a failure.
func (c *Client) ReleaseRecoveryLock(ctx context.Context, failureID string) error {
	return c.rdb.Del(ctx, recoveryLockKey(failureID)).Err()
}

// MarkCooldown records that an escalation for (repository, pattern) was
// emitted. Returns false when a previous escalation is still cooling down.
func (c *Client) MarkCooldown(
	ctx context.Context,
	repository, pattern string,
	ttl time.Duration,
) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, cooldownKey(repository, pattern), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}
