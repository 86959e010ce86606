package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/finsync-worker/internal/metrics"
)

const redisKeyPrefix = "finsync:lock:"

// releaseScript deletes the key only when it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds locks as SET NX keys with a TTL, so a crashed holder's
// lock expires on its own
type RedisLocker struct {
	client   *redis.Client
	ttl      time.Duration
	degraded bool
	guard    *localGuard

	mu     sync.Mutex
	tokens map[int64]string
}

func NewRedisLocker(ctx context.Context, client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	l := &RedisLocker{
		client: client,
		ttl:    ttl,
		guard:  newLocalGuard(),
		tokens: make(map[int64]string),
	}
	if err := client.Ping(ctx).Err(); err != nil {
		l.degraded = true
		metrics.AdvisoryLockDegraded.Set(1)
		log.Warn().Err(err).Msg("Redis unavailable for locking, syncs are only exclusive within this process")
		return l
	}
	metrics.AdvisoryLockDegraded.Set(0)
	return l
}

func (l *RedisLocker) Degraded() bool { return l.degraded }

func (l *RedisLocker) TryAcquire(ctx context.Context, key Key) bool {
	id := key.ID()
	if !l.guard.acquire(id) {
		return false
	}
	if l.degraded {
		return true
	}

	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, redisKeyPrefix+key.String(), token, l.ttl).Result()
	if err != nil {
		log.Warn().Err(err).Str("lock_key", key.String()).Msg("Redis lock failed, continuing without it")
		return true
	}
	if !ok {
		l.guard.release(id)
		return false
	}

	l.mu.Lock()
	l.tokens[id] = token
	l.mu.Unlock()
	return true
}

func (l *RedisLocker) Release(ctx context.Context, key Key) {
	id := key.ID()
	defer l.guard.release(id)

	l.mu.Lock()
	token, ok := l.tokens[id]
	delete(l.tokens, id)
	l.mu.Unlock()
	if !ok {
		return
	}

	if err := releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{redisKeyPrefix + key.String()}, token).Err(); err != nil {
		log.Warn().Err(err).Str("lock_key", key.String()).Msg("Failed to release Redis lock")
	}
}
