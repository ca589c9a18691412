package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lifelog/api/internal/engine"
	"lifelog/api/internal/logger"
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired holder cannot release a lock someone else acquired since.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is an engine.Locker backed by SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

var _ engine.Locker = (*RedisLocker)(nil)

// NewRedisLocker holds locks for at most ttl; a crashed holder blocks its
// client for no longer than that.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: "sync:lock:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
	}
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + name
}

// Lock blocks until the lock is free or ctx ends. Expiry of ctx is reported
// as engine.ErrTimeout, Redis failures as engine.ErrStoreUnavailable.
func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := l.key(name)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: lock %s: %v", engine.ErrTimeout, name, ctx.Err())
			}
			return nil, fmt.Errorf("%w: lock %s: %v", engine.ErrStoreUnavailable, name, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: lock %s held elsewhere", engine.ErrTimeout, name)
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		logger.Named("coord").Warn("release lock failed", logger.Err(err))
	}
}
