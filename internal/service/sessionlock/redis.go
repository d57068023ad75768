// Package sessionlock serialises chat calls per conversation so history reads
// and appends of one session never interleave.
package sessionlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

const keyPrefix = "chatlock:"

var errHeld = errors.New("lock held")

// Deletes the key only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements domain.SessionLocker with SET NX PX across processes.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLocker creates a locker whose locks expire after ttl if never released.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

var _ domain.SessionLocker = (*RedisLocker)(nil)

// Lock waits for the session lock for at most the lock TTL. A lock still held
// after that yields domain.ErrConflict.
func (l *RedisLocker) Lock(ctx domain.Context, sessionID string) (func(), error) {
	key := keyPrefix + sessionID
	token := ulid.Make().String()

	op := func() error {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = l.ttl
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, errHeld) {
			return nil, fmt.Errorf("op=sessionlock.lock: %w: conversation busy", domain.ErrConflict)
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("op=sessionlock.lock: %w: conversation busy: %w", domain.ErrConflict, cerr)
		}
		return nil, fmt.Errorf("op=sessionlock.lock: %w", err)
	}

	return func() {
		// The request context may already be done; release on a fresh one.
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(uctx, l.rdb, []string{key}, token).Err(); err != nil {
			slog.Warn("session unlock failed", slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}, nil
}
