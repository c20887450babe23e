package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adamwdraper/the-narrator/common/keylock"
	"github.com/adamwdraper/the-narrator/internal/model"
)

// Locker guarantees at most one in-flight save per thread id.
type Locker interface {
	Acquire(ctx context.Context, threadID string) (release func(), err error)
}

// LocalLocker serializes saves within one process. A second save of the same
// thread waits behind the first until ctx is done.
type LocalLocker struct {
	locks *keylock.Map
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: keylock.New()}
}

func (l *LocalLocker) Acquire(ctx context.Context, threadID string) (func(), error) {
	return l.locks.Lock(ctx, threadID)
}

const redisLockPrefix = "narrator:save-lock:"

// Deletes the key only if it still holds our token, so an expired lock taken
// over by another process is never released by us.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Extends the lease only while we still own it.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisClient is the subset of *redis.Client the locker uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker serializes saves across processes sharing a redis. A save that
// finds the lock held fails fast with ErrConflict; callers retry with backoff.
// The lease is renewed every ttl/3 while the save runs, so a slow save keeps
// its exclusivity unless the holder loses contact with redis for a full ttl.
type RedisLocker struct {
	client RedisClient
	ttl    time.Duration
}

func NewRedisLocker(client RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, threadID string) (func(), error) {
	key := redisLockPrefix + threadID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, model.NewStorageError("lock", threadID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: thread %s is being saved elsewhere", model.ErrConflict, threadID)
	}

	renewCtx, stop := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(renewCtx, key, token, threadID)
	}()

	return func() {
		stop()
		<-renewed

		// Released even when the caller's context is already cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.client.Eval(rctx, releaseScript, []string{key}, token).Err(); err != nil {
			slog.WarnContext(ctx, "failed to release save lock", "error", err, "thread_id", threadID)
		}
	}, nil
}

func (l *RedisLocker) renew(ctx context.Context, key, token, threadID string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.client.Eval(ctx, renewScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.WarnContext(ctx, "failed to renew save lock", "error", err, "thread_id", threadID)
				continue
			}
			if n == 0 {
				slog.ErrorContext(ctx, "save lock lost before release", "thread_id", threadID)
				return
			}
		}
	}
}

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}
