package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long a crashed holder keeps a key locked.
const DefaultRedisTTL = 10 * time.Minute

const releaseTimeout = 5 * time.Second

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisClient is the part of the go-redis client the locker calls.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker is a Locker shared by every server instance using the same Redis.
type RedisLocker struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	logger log.Logger
}

// NewRedisLocker ...
func NewRedisLocker(client RedisClient, prefix string, ttl time.Duration, logger log.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// TryLock sets the key with NX and a random token.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", redisKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, true, nil
}

func (l *RedisLocker) release(redisKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
		l.logger.Warnf("Failed to release lock %s: %s", redisKey, err)
	}
}
