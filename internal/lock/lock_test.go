package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyeh/volumetria/internal/batch"
)

var (
	_ batch.Locker = (*Redis)(nil)
	_ batch.Locker = (*Postgres)(nil)
	_ batch.Locker = (*Local)(nil)
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedis(client)
}

func TestRedis_TryLockAndRelease(t *testing.T) {
	mr, l := setupRedis(t)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "volumetria:batch:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = l.TryLock(ctx, "volumetria:batch:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must not acquire a held lock")

	require.NoError(t, l.Release(ctx, "volumetria:batch:1", "someone-else"))
	assert.True(t, mr.Exists("volumetria:batch:1"), "foreign token must not release")

	require.NoError(t, l.Release(ctx, "volumetria:batch:1", token))
	assert.False(t, mr.Exists("volumetria:batch:1"))

	_, ok, err = l.TryLock(ctx, "volumetria:batch:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_LeaseExpires(t *testing.T) {
	mr, l := setupRedis(t)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	_, ok, err = l.TryLock(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_RejectsBadArgs(t *testing.T) {
	_, l := setupRedis(t)
	ctx := context.Background()

	_, _, err := l.TryLock(ctx, "", time.Second)
	assert.Error(t, err)
	_, _, err = l.TryLock(ctx, "k", 0)
	assert.Error(t, err)

	var unset *Redis
	_, _, err = unset.TryLock(ctx, "k", time.Second)
	assert.Error(t, err)
	assert.Nil(t, NewRedis(nil))
}

func TestLocal(t *testing.T) {
	l := NewLocal()
	now := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "other", time.Minute)
	assert.True(t, ok, "locks are per key")

	require.NoError(t, l.Release(ctx, "k", "stale"))
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, l.Release(ctx, "k", token), "releasing a lost lease is a no-op")
}
