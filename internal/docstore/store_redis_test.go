package docstore

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moonit/internal/config"
	"moonit/internal/logging"
	"moonit/internal/models"
	"moonit/internal/redis"
)

// newTestRedis connects to TEST_REDIS_ADDR or skips the test.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	client, err := redis.NewRedisClient(config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestWritesReachSubscribersOfAnotherInstance(t *testing.T) {
	rdb := newTestRedis(t)
	db := openTestDB(t)
	writer := New(db, rdb, logging.Discard())
	t.Cleanup(writer.Close)
	reader := New(db, rdb, logging.Discard())
	t.Cleanup(reader.Close)
	ctx := context.Background()

	session, err := writer.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	sub, err := reader.SubscribeMessages(ctx, "u1", session.ID)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, next(t, sub))

	_, err = writer.AddMessage(ctx, "u1", session.ID, models.RoleUser, "from the other side")
	require.NoError(t, err)
	snapshot := next(t, sub)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "from the other side", snapshot[0].Content)

	sessions, err := reader.SubscribeSessions(ctx, "u1")
	require.NoError(t, err)
	defer sessions.Close()
	require.Len(t, next(t, sessions), 1)

	require.NoError(t, writer.UpdateSessionTitle(ctx, "u1", session.ID, "Renamed elsewhere"))
	renamed := next(t, sessions)
	require.Len(t, renamed, 1)
	assert.Equal(t, "Renamed elsewhere", renamed[0].Title)
}

func TestNotifierIgnoresItsOwnBroadcasts(t *testing.T) {
	rdb := newTestRedis(t)
	n := newNotifier(rdb, logging.Discard())
	n.start()
	t.Cleanup(n.close)

	topic := messagesTopic("own-" + time.Now().Format(time.RFC3339Nano))
	ch, stop := n.listen(topic)
	defer stop()

	publish := func(origin string) {
		payload, err := json.Marshal(changeMessage{Origin: origin, Topic: topic})
		require.NoError(t, err)
		require.NoError(t, rdb.Publish(context.Background(), changesChannel, payload))
	}

	publish(n.origin)
	select {
	case <-ch:
		t.Fatal("own broadcast was delivered")
	case <-time.After(200 * time.Millisecond):
	}

	publish("another-instance")
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("remote broadcast was not delivered")
	}
}

func TestMessageCacheFillAndInvalidate(t *testing.T) {
	rdb := newTestRedis(t)
	s := New(openTestDB(t), rdb, logging.Discard())
	t.Cleanup(s.Close)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "u1", session.ID, models.RoleUser, "first")
	require.NoError(t, err)

	_, ok := s.cache.messages(ctx, session.ID)
	assert.False(t, ok, "nothing cached before the first read")

	messages, err := s.ListMessages(ctx, "u1", session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	cached, ok := s.cache.messages(ctx, session.ID)
	require.True(t, ok)
	assert.Equal(t, messages[0].ID, cached[0].ID)

	_, err = s.AddMessage(ctx, "u1", session.ID, models.RoleAssistant, "second")
	require.NoError(t, err)
	_, ok = s.cache.messages(ctx, session.ID)
	assert.False(t, ok, "write drops the cached snapshot")

	messages, err = s.ListMessages(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	require.NoError(t, s.DeleteSession(ctx, "u1", session.ID))
	_, ok = s.cache.messages(ctx, session.ID)
	assert.False(t, ok)
}

func TestMessageCacheServesHits(t *testing.T) {
	rdb := newTestRedis(t)
	s := New(openTestDB(t), rdb, logging.Discard())
	t.Cleanup(s.Close)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	gen, ok := s.cache.generation(ctx, session.ID)
	require.True(t, ok)
	marker := []models.Message{{ID: "cached", SessionID: session.ID, Role: models.RoleUser, Content: "from cache"}}
	require.True(t, s.cache.storeMessages(ctx, session.ID, gen, marker))

	messages, err := s.ListMessages(ctx, "u1", session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "cached", messages[0].ID)
}

func TestMessageCacheRefusesSnapshotReadBeforeAWrite(t *testing.T) {
	rdb := newTestRedis(t)
	s := New(openTestDB(t), rdb, logging.Discard())
	t.Cleanup(s.Close)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "u1", session.ID, models.RoleUser, "m1")
	require.NoError(t, err)

	// a reader took the generation and read [m1] before m2 landed
	gen, ok := s.cache.generation(ctx, session.ID)
	require.True(t, ok)
	before, err := s.ListMessages(ctx, "u1", session.ID)
	require.NoError(t, err)
	require.NoError(t, rdb.Del(ctx, messagesKey(session.ID)))

	_, err = s.AddMessage(ctx, "u1", session.ID, models.RoleAssistant, "m2")
	require.NoError(t, err)
	assert.False(t, s.cache.storeMessages(ctx, session.ID, gen, before))

	messages, err := s.ListMessages(ctx, "u1", session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m2", messages[1].Content)
}
