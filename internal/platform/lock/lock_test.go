package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type locker interface {
	Acquire(ctx context.Context, keys ...string) (func(), error)
}

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, time.Second, nil), mr
}

func lockers(t *testing.T) map[string]locker {
	redisLocker, _ := newRedisLocker(t)
	return map[string]locker{
		"local": NewLocal(),
		"redis": redisLocker,
	}
}

func TestAcquireIsExclusivePerKey(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			release, err := l.Acquire(ctx, "ledger:account:1")
			require.NoError(t, err)

			waitCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
			defer cancel()
			_, err = l.Acquire(waitCtx, "ledger:account:1")
			require.Error(t, err)

			other, err := l.Acquire(ctx, "ledger:account:2")
			require.NoError(t, err)
			other()

			release()
			again, err := l.Acquire(ctx, "ledger:account:1")
			require.NoError(t, err)
			again()
		})
	}
}

func TestOppositeOrderDoesNotDeadlock(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var wg sync.WaitGroup
			var done atomic.Int32
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					keys := []string{"a", "b"}
					if i%2 == 1 {
						keys = []string{"b", "a"}
					}
					release, err := l.Acquire(ctx, keys...)
					if err != nil {
						return
					}
					time.Sleep(time.Millisecond)
					release()
					done.Add(1)
				}(i)
			}
			wg.Wait()
			require.EqualValues(t, 20, done.Load())
		})
	}
}

func TestLocalSerialisesCriticalSection(t *testing.T) {
	l := NewLocal()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "k")
			if err != nil {
				t.Error(err)
				return
			}
			counter++
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Empty(t, l.entries)
}

func TestRedisReleaseOnlyDeletesOwnToken(t *testing.T) {
	l, mr := newRedisLocker(t)
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(redisKeyPrefix+"k", "someone-else"))

	release()
	got, err := mr.Get(redisKeyPrefix + "k")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}

func TestRedisKeysExpire(t *testing.T) {
	l, mr := newRedisLocker(t)
	_, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, mr.Exists(redisKeyPrefix+"k"))
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists(redisKeyPrefix+"k"))
}
