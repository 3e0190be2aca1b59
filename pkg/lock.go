package pkg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrLockAcquire = errors.New("failed to acquire distributed lock")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// RedisLocker hands out per-key locks with SET NX PX. A held lock is
// extended every ttl/3 until released; release only deletes the key while
// it still carries the holder's token.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Acquire makes a single attempt and fails with ErrLockAcquire when another
// holder owns the key.
func (slf *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := slf.prefix + "lock:" + key
	token := uuid.New().String()

	ok, err := slf.client.SetNX(ctx, lockKey, token, slf.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error acquiring lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockAcquire, key)
	}

	stop := make(chan struct{})
	go slf.keepAlive(lockKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := slf.client.Eval(ctx, unlockScript, []string{lockKey}, token).Err(); err != nil {
				slf.logger.Warn().Err(err).Str("key", lockKey).Msg("Failed to release lock")
			}
		})
	}, nil
}

func (slf *RedisLocker) keepAlive(lockKey string, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(slf.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := slf.client.Eval(ctx, extendScript, []string{lockKey}, token, slf.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slf.logger.Warn().Err(err).Str("key", lockKey).Msg("Failed to extend lock")
				continue
			}
			if n == 0 {
				slf.logger.Warn().Str("key", lockKey).Msg("Lock lost before release")
				return
			}
		}
	}
}
