package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moonit/internal/config"
)

// newTestClient connects to TEST_REDIS_ADDR or skips the test.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	client, err := NewRedisClient(config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSetGetDel(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "moonit:test:key", "value", time.Minute))
	got, err := client.Get(ctx, "moonit:test:key")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	require.NoError(t, client.Del(ctx, "moonit:test:key"))
	_, err = client.Get(ctx, "moonit:test:key")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestPublishSubscribe(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	ps, err := client.Subscribe(ctx, "moonit:test:channel")
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, client.Publish(ctx, "moonit:test:channel", "hello"))
	select {
	case msg := <-ps.Channel():
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published message")
	}
}

func TestSetIfEqualHonoursGuard(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	guard, key := "moonit:test:gen", "moonit:test:guarded"
	t.Cleanup(func() { _ = client.Del(context.Background(), guard, key) })
	require.NoError(t, client.Del(ctx, guard, key))

	ok, err := client.SetIfEqual(ctx, guard, "0", key, "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := client.Incr(ctx, guard, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = client.SetIfEqual(ctx, guard, "0", key, "stale", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	ok, err = client.SetIfEqual(ctx, guard, "1", key, "fresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilClientReportsNotInitialized(t *testing.T) {
	var c *Client
	assert.Error(t, c.Set(context.Background(), "k", "v", time.Second))
	_, err := c.SetIfEqual(context.Background(), "g", "0", "k", "v", time.Second)
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}
