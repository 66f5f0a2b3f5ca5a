package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/supply-ledger/internal/core/domain"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	idempotencyPending   = "pending"
	pendingTTL           = 30 * time.Second
	EventsChannel        = "supply:events"
	lockRetryInterval    = 25 * time.Millisecond
)

// claimScript returns the stored value when the key exists, otherwise stores the pending
// marker and returns nil.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local current = redis.call('GET', key)
if current then
	return current
end

redis.call('SET', key, ARGV[1], 'PX', ARGV[2])
return false
`)

type RedisAdapter struct {
	client         *redis.Client
	idempotencyTTL time.Duration
	pendingTTL     time.Duration
}

// NewRedisAdapter keeps completed idempotency keys for idempotencyTTL. A pending marker
// lives for at most 30s so a claimant that never completes does not block replays for long.
func NewRedisAdapter(client *redis.Client, idempotencyTTL time.Duration) *RedisAdapter {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	return &RedisAdapter{
		client:         client,
		idempotencyTTL: idempotencyTTL,
		pendingTTL:     min(pendingTTL, idempotencyTTL),
	}
}

func (r *RedisAdapter) ClaimIdempotency(ctx context.Context, key string) (string, bool, error) {
	val, err := claimScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key},
		idempotencyPending, r.pendingTTL.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	if val == idempotencyPending {
		return "", false, nil
	}
	return val, false, nil
}

// CompleteIdempotency stores the result and extends the key to the full idempotency TTL.
func (r *RedisAdapter) CompleteIdempotency(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, idempotencyKeyPrefix+key, value, r.idempotencyTTL).Err()
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// Publish fans an event out on EventsChannel.
func (r *RedisAdapter) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.Publish(ctx, EventsChannel, payload).Err()
}

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl, wait time.Duration) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lock, err := l.client.Obtain(lockCtx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(lockRetryInterval),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: lock %s is held elsewhere", domain.ErrTransientStore, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: obtain lock %s: %v", domain.ErrTransientStore, key, err)
	}

	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
