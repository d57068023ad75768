package sessionlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, ttl), mr
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(keyPrefix+"s1"))

	unlock()
	assert.False(t, mr.Exists(keyPrefix+"s1"))
}

func TestRedisLocker_BusyYieldsConflict(t *testing.T) {
	l, _ := newRedisLocker(t, 200*time.Millisecond)
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	// miniredis does not expire keys on its own, so the holder outlives the wait.
	_, err = l.Lock(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t, 2*time.Second)
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()
	unlock2, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_UnlockKeepsForeignToken(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	require.NoError(t, mr.Set(keyPrefix+"s1", "other"))
	unlock()
	v, err := mr.Get(keyPrefix + "s1")
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func TestRedisLocker_ContextCancelled(t *testing.T) {
	l, _ := newRedisLocker(t, 5*time.Second)
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "s1")
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, l.Len())
}

func TestLocalLocker_IndependentSessionsAndCancel(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)

	other, err := l.Lock(context.Background(), "s2")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	assert.Equal(t, 0, l.Len())
}
