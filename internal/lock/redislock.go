// Package lock provides a Redis lease used to keep workers from refreshing the
// same tracking numbers concurrently.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a lease survives a crashed holder.
const DefaultTTL = 2 * time.Minute

// ErrNotConfigured is returned when the Locker has no Redis client.
var ErrNotConfigured = errors.New("lock: redis client not configured")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker hands out Redis leases keyed by Prefix + name.
type Locker struct {
	R            *redis.Client
	Prefix       string
	RetryBackoff time.Duration
}

func (l Locker) key(name string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "parcel-tracker:lock:"
	}
	return prefix + name
}

// TryRun runs fn only if the lease for name is free, reporting whether fn ran.
// The lease is released when fn returns.
func (l Locker) TryRun(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if l.R == nil {
		return false, ErrNotConfigured
	}
	token, ok, err := l.acquire(ctx, name, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer l.release(name, token)
	return true, fn(ctx)
}

// Run waits for the lease on name, polling every RetryBackoff, and runs fn
// while holding it.
func (l Locker) Run(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return ErrNotConfigured
	}
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	for {
		token, ok, err := l.acquire(ctx, name, ttl)
		if err != nil {
			return err
		}
		if ok {
			defer l.release(name, token)
			return fn(ctx)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Locker) acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// release runs on a fresh context so a canceled job still frees its lease.
func (l Locker) release(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := l.key(name)
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
