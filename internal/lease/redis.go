package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLease is a single-holder lock with a TTL. Only the instance that
// set the key may renew or release it.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	if key == "" {
		key = "testhub:scheduler:lease"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLease{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLease) Owner() string { return l.owner }

// Acquire takes the lease if it is free and renews it if this instance
// already holds it.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
