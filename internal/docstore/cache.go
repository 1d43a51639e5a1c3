package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"moonit/internal/models"
	"moonit/internal/redis"
)

const snapshotTTL = 5 * time.Minute

// snapshotCache keeps the last message snapshot of a session in redis. A nil client
// turns every call into a miss.
type snapshotCache struct {
	client *redis.Client
	log    logrus.FieldLogger
}

func newSnapshotCache(client *redis.Client, log logrus.FieldLogger) *snapshotCache {
	return &snapshotCache{client: client, log: log}
}

func messagesKey(sessionID string) string {
	return "docstore:messages:" + sessionID
}

// generationKey counts the writes to a session. A snapshot read under one
// generation is only cached while that generation is current.
func generationKey(sessionID string) string {
	return "docstore:messages:gen:" + sessionID
}

func (c *snapshotCache) messages(ctx context.Context, sessionID string) ([]models.Message, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, messagesKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.log.WithError(err).WithField("session_id", sessionID).Warn("load cached messages")
		}
		return nil, false
	}
	var messages []models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		c.log.WithError(err).WithField("session_id", sessionID).Warn("decode cached messages")
		return nil, false
	}
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	return messages, true
}

// generation must be read before the database so a write racing the read is seen.
func (c *snapshotCache) generation(ctx context.Context, sessionID string) (string, bool) {
	if c == nil || c.client == nil {
		return "", false
	}
	gen, err := c.client.Get(ctx, generationKey(sessionID))
	if errors.Is(err, redis.ErrCacheMiss) {
		return "0", true
	}
	if err != nil {
		c.log.WithError(err).WithField("session_id", sessionID).Warn("load cache generation")
		return "", false
	}
	return gen, true
}

// storeMessages caches a snapshot read under gen. It is dropped when a write has
// bumped the generation since.
func (c *snapshotCache) storeMessages(ctx context.Context, sessionID, gen string, messages []models.Message) bool {
	if c == nil || c.client == nil {
		return false
	}
	data, err := json.Marshal(messages)
	if err != nil {
		c.log.WithError(err).Warn("encode messages for cache")
		return false
	}
	ok, err := c.client.SetIfEqual(ctx, generationKey(sessionID), gen, messagesKey(sessionID), data, snapshotTTL)
	if err != nil {
		c.log.WithError(err).WithField("session_id", sessionID).Warn("cache messages")
		return false
	}
	return ok
}

func (c *snapshotCache) invalidate(ctx context.Context, sessionID string) {
	if c == nil || c.client == nil {
		return
	}
	log := c.log.WithField("session_id", sessionID)
	if _, err := c.client.Incr(ctx, generationKey(sessionID), 2*snapshotTTL); err != nil {
		log.WithError(err).Warn("bump cache generation")
	}
	if err := c.client.Del(ctx, messagesKey(sessionID)); err != nil {
		log.WithError(err).Warn("invalidate cached messages")
	}
}
