package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestReceiveLocksExcludeConcurrentHolders(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locks := NewReceiveLocks(client, time.Minute)
	ctx := context.Background()

	release, ok, err := locks.Acquire(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locks.Acquire(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)

	held, err := locks.Held(ctx, 42)
	require.NoError(t, err)
	require.True(t, held)

	release()
	held, err = locks.Held(ctx, 42)
	require.NoError(t, err)
	require.False(t, held)
}

func TestReceiveLocksReleaseKeepsForeignMarker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locks := NewReceiveLocks(client, time.Second)
	ctx := context.Background()

	release, ok, err := locks.Acquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = locks.Acquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	release()
	require.True(t, mr.Exists(ReceiveLockKey(7)))
}
