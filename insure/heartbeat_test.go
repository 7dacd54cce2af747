package insure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heartbeatFixture(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestHeartbeatRegisterAndRefresh(t *testing.T) {
	mr, client := heartbeatFixture(t)
	ctx := context.Background()

	hb := NewHeartbeat(client, "abcd1234", testLogger())
	require.NoError(t, hb.register(ctx))
	require.NoError(t, hb.refresh(ctx))

	members, err := client.SMembers(ctx, WorkerRegistryKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd1234"}, members)

	ttl := mr.TTL(WorkerHeartbeatKey("abcd1234"))
	assert.Equal(t, 60*time.Second, ttl)
}

func TestAliveWorkersExpiry(t *testing.T) {
	mr, client := heartbeatFixture(t)
	ctx := context.Background()

	live := NewHeartbeat(client, "live0001", testLogger())
	require.NoError(t, live.register(ctx))
	require.NoError(t, live.refresh(ctx))

	// A registered worker whose heartbeat key lapsed is not alive.
	dead := NewHeartbeat(client, "dead0001", testLogger())
	require.NoError(t, dead.register(ctx))

	alive, err := AliveWorkers(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, []string{"live0001"}, alive)

	mr.FastForward(2 * time.Minute)
	alive, err = AliveWorkers(ctx, client)
	require.NoError(t, err)
	assert.Empty(t, alive)
}

func TestHeartbeatShutdown(t *testing.T) {
	_, client := heartbeatFixture(t)
	ctx := context.Background()

	hb := NewHeartbeat(client, "abcd1234", testLogger())
	require.NoError(t, hb.register(ctx))
	require.NoError(t, hb.refresh(ctx))

	require.NoError(t, hb.Shutdown(ctx))

	exists, err := client.Exists(ctx, WorkerHeartbeatKey("abcd1234")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	members, err := client.SMembers(ctx, WorkerRegistryKey()).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}
