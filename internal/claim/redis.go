package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "creativepipe:claim:"

var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if current == ARGV[1] then
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

// RedisLedger keeps leases as expiring Redis keys.
type RedisLedger struct {
	client redis.UniversalClient
}

// NewRedisLedger connects to addr and verifies the connection.
func NewRedisLedger(ctx context.Context, addr string) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisLedger{client: client}, nil
}

// NewRedisLedgerFromClient wraps an existing client.
func NewRedisLedgerFromClient(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client}
}

func (l *RedisLedger) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	got, err := acquireScript.Run(ctx, l.client, []string{redisKeyPrefix + key}, owner, ms).Int()
	if err != nil {
		return false, fmt.Errorf("acquire claim %s: %w", key, err)
	}
	return got == 1, nil
}

func (l *RedisLedger) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{redisKeyPrefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}

// Close closes the client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
