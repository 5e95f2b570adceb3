package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "growthhub:quota:"
	keyTTL    = 48 * time.Hour
)

// reserveScript grants min(want, limit-used) and adds it to the counter atomically.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local want = tonumber(ARGV[2])
local grant = limit - used
if grant > want then grant = want end
if grant < 0 then grant = 0 end
if grant > 0 then
  redis.call('INCRBY', KEYS[1], grant)
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return grant
`)

// Redis is a Quota shared by every process using the same Redis instance.
type Redis struct {
	rdb   *redis.Client
	limit int
	now   func() time.Time
}

var _ Quota = (*Redis)(nil)

// NewRedis returns a Redis-backed quota. A limit of zero or less is unlimited.
func NewRedis(rdb *redis.Client, limit int) *Redis {
	return &Redis{rdb: rdb, limit: limit, now: time.Now}
}

func (r *Redis) key() string {
	return keyPrefix + dayKey(r.now())
}

// Remaining implements Quota.
func (r *Redis) Remaining(ctx context.Context) (int, error) {
	if r.limit <= 0 {
		return Unlimited, nil
	}
	raw, err := r.rdb.Get(ctx, r.key()).Result()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get quota: %w", err)
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse quota counter %q: %w", raw, err)
	}
	return max(r.limit-used, 0), nil
}

// Reserve implements Quota.
func (r *Redis) Reserve(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if r.limit <= 0 {
		return n, nil
	}
	granted, err := reserveScript.Run(ctx, r.rdb, []string{r.key()}, r.limit, n, keyTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	return granted, nil
}
