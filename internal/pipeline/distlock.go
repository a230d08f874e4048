package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistLock is a cross-process advisory lock for the concurrent-run guard.
// It lets multiple orchestrator instances (e.g. one per host) share the
// same per-date exclusion that acquireLock otherwise only enforces within
// a single process.
type DistLock interface {
	TryAcquire(ctx context.Context, key string) (release func(context.Context), ok bool, err error)
}

// RedisLock implements DistLock with a SET NX PX token lock, released only
// by the holder that set it.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLock builds a RedisLock against addr with a fixed connection pool
// (10 connections, 2 kept idle), a 5s dial timeout and 3s read/write
// timeouts.
func NewRedisLock(addr, password string, db int, ttl time.Duration) *RedisLock {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &RedisLock{client: client, ttl: ttl, prefix: "oilsignal:run-lock:"}
}

// TryAcquire sets the lock key only if absent, with a random token so the
// release call cannot delete a lock some other holder has since acquired
// (the previous holder's key may have expired and been re-acquired).
func (l *RedisLock) TryAcquire(ctx context.Context, key string) (func(context.Context), bool, error) {
	token := uuid.NewString()
	fullKey := l.prefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock acquire: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(releaseCtx context.Context) {
		current, err := l.client.Get(releaseCtx, fullKey).Result()
		if err != nil {
			return
		}
		if current == token {
			l.client.Del(releaseCtx, fullKey)
		}
	}
	return release, true, nil
}

// Close releases the underlying connection pool.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
