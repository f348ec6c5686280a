package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix          = "lablending:lock:"
	defaultRetryPeriod = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still carries our token, so an
// expired lock that someone else re-acquired is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ErrLockTimeout is returned when the context ends before a key is acquired.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Redis is a Locker shared by every instance pointing at the same Redis.
// Keys expire after ttl so a crashed holder cannot block others forever.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	log    *zap.Logger
}

// NewRedis creates a distributed locker.
func NewRedis(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, retry: defaultRetryPeriod, log: log}
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, keyPrefix+key, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock %s: %w: %v", key, ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) release(key, token string) {
	// The caller's context may already be cancelled; release must still run.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + key}, token).Err(); err != nil {
		r.log.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
	}
}

// Lock acquires every key under one token.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()
	for i, k := range keys {
		if err := r.acquire(ctx, k, token); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.release(keys[j], token)
			}
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(keys) - 1; i >= 0; i-- {
				r.release(keys[i], token)
			}
		})
	}, nil
}
