package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c := Wrap(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestClient_GetSetDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, c.Del(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestClient_SetNXAndCompareAndDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := c.CompareAndDelete(ctx, "lock", "b")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = c.CompareAndDelete(ctx, "lock", "a")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestLocker(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()
	locker := NewLocker(c, 5*time.Second)

	lk, ok, err := locker.TryLock(ctx, "transaction:1:lock")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "transaction:1:lock")
	require.NoError(t, err)
	assert.False(t, ok, "second acquirer must not get the lock")

	lk.Unlock(ctx)
	lk.Unlock(ctx)

	again, ok, err := locker.TryLock(ctx, "transaction:1:lock")
	require.NoError(t, err)
	assert.True(t, ok)

	s.FastForward(6 * time.Second)
	third, ok, err := locker.TryLock(ctx, "transaction:1:lock")
	require.NoError(t, err)
	require.True(t, ok, "expired lock is free again")

	// the stale holder must not release the new owner's lock
	again.Unlock(ctx)
	assert.True(t, s.Exists("transaction:1:lock"))
	third.Unlock(ctx)
	assert.False(t, s.Exists("transaction:1:lock"))
}
