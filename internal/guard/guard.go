// Package guard keeps pipeline runs from overlapping.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard admits at most one holder at a time.
type Guard interface {
	// TryAcquire returns ok=false without blocking when another holder is active.
	// On success the caller must invoke release exactly once.
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Local is a process-wide Guard.
type Local struct {
	mu sync.Mutex
}

var _ Guard = (*Local)(nil)

// NewLocal returns an in-process guard.
func NewLocal() *Local {
	return &Local{}
}

// TryAcquire implements Guard.
func (l *Local) TryAcquire(_ context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, true, nil
}

// DefaultKey is the Redis key holding the run lock.
const DefaultKey = "growthhub:run-lock"

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a Guard shared across processes. The lock expires after ttl so a
// crashed holder cannot block runs forever.
type Redis struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

var _ Guard = (*Redis)(nil)

// NewRedis returns a Redis-backed guard.
func NewRedis(rdb *redis.Client, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl}
}

// TryAcquire implements Guard.
func (r *Redis) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Released with a fresh context so a cancelled run still frees the lock.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.rdb, []string{r.key}, token).Err()
		})
	}
	return release, true, nil
}
