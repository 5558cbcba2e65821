package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/extend_lock.lua
var extendLockScript string

//go:embed scripts/remember_outcome.lua
var rememberOutcomeScript string

// ErrLockNotHeld is returned when releasing or extending a lock owned by someone else
var ErrLockNotHeld = errors.New("lock not held")

// Payment outcomes remembered for intents whose order does not exist yet
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

type Client struct {
	rdb           *redis.Client
	releaseScript  *redis.Script
	extendScript   *redis.Script
	rememberScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:            rdb,
		releaseScript:  redis.NewScript(releaseLockScript),
		extendScript:   redis.NewScript(extendLockScript),
		rememberScript: redis.NewScript(rememberOutcomeScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks redis reachability
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock acquires a distributed lock and returns the owner token.
// The token is empty when the lock is held by someone else.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockName(lockKey), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases a distributed lock if the token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	n, err := c.releaseScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// ExtendLock pushes the lock expiry forward if the token still owns it
func (c *Client) ExtendLock(ctx context.Context, lockKey, token string, ttl time.Duration) error {
	n, err := c.extendScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock script failed: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// RememberPaymentOutcome records a payment outcome for an intent with no order yet.
// Only the newest event time per outcome is kept.
func (c *Client) RememberPaymentOutcome(ctx context.Context, intentID, outcome string, at time.Time, ttl time.Duration) error {
	err := c.rememberScript.Run(ctx, c.rdb, []string{outcomeKey(intentID)}, outcome, at.Unix(), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("remember outcome script failed: %w", err)
	}
	return nil
}

// PaymentOutcomes returns the outcomes remembered for an intent with their event times
func (c *Client) PaymentOutcomes(ctx context.Context, intentID string) (map[string]time.Time, error) {
	result, err := c.rdb.HGetAll(ctx, outcomeKey(intentID)).Result()
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]time.Time, len(result))
	for outcome, raw := range result {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad outcome time %q for %s: %w", raw, intentID, err)
		}
		outcomes[outcome] = time.Unix(sec, 0)
	}
	return outcomes, nil
}

// ForgetPaymentOutcomes drops remembered outcomes once applied
func (c *Client) ForgetPaymentOutcomes(ctx context.Context, intentID string) error {
	return c.rdb.Del(ctx, outcomeKey(intentID)).Err()
}

func lockName(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

func outcomeKey(intentID string) string {
	return fmt.Sprintf("payment_outcome:%s", intentID)
}
