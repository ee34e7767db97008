package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "lock:"
	retryInterval  = 20 * time.Millisecond
)

// ErrLockTimeout is returned when a key could not be acquired before the
// context expired.
var ErrLockTimeout = errors.New("lock: timed out waiting for key")

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed locker for multiple service instances. Keys expire
// after ttl so a crashed holder cannot block an entity forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis constructs a Redis locker.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// Acquire takes every key in sorted order, polling until ctx is done.
func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	sorted := normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(sorted))
	release := func() {
		// Release must run even if the caller's context is already done.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := releaseScript.Run(rctx, r.client, []string{redisKeyPrefix + held[i]}, token).Err(); err != nil {
				r.logger.Warn("lock release", slog.String("key", held[i]), slog.Any("error", err))
			}
		}
	}
	for _, key := range sorted {
		if err := r.lock(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return release, nil
}

func (r *Redis) lock(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-ticker.C:
		}
	}
}
