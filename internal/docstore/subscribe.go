package docstore

import (
	"context"

	"moonit/internal/feed"
	"moonit/internal/metrics"
	"moonit/internal/models"
)

// SubscribeSessions streams the full session list of a user, newest first. The first
// snapshot is delivered immediately and a new one follows every change.
func (s *Store) SubscribeSessions(ctx context.Context, userID string) (*feed.Subscription[[]models.Session], error) {
	return watch(ctx, s, "sessions", sessionsTopic(userID), func(ctx context.Context) ([]models.Session, error) {
		return s.ListSessions(ctx, userID)
	})
}

// SubscribeMessages streams the ordered messages of one session. The subscription
// fails with ErrNotFound once the session is deleted.
func (s *Store) SubscribeMessages(ctx context.Context, userID, sessionID string) (*feed.Subscription[[]models.Message], error) {
	return watch(ctx, s, "messages", messagesTopic(sessionID), func(ctx context.Context) ([]models.Message, error) {
		if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
			return nil, err
		}
		return s.loadMessages(ctx, sessionID)
	})
}

// watch registers for topic before loading the first snapshot so no change between
// the two is lost. The subscription ends when ctx is done, the consumer closes it, or
// a reload fails.
func watch[T any](ctx context.Context, s *Store, kind, topic string, load func(context.Context) (T, error)) (*feed.Subscription[T], error) {
	signal, unlisten := s.notifier.listen(topic)
	first, err := load(ctx)
	if err != nil {
		unlisten()
		return nil, err
	}

	metrics.Subscriptions.WithLabelValues(kind).Inc()
	sub := feed.New[T](func() {
		unlisten()
		metrics.Subscriptions.WithLabelValues(kind).Dec()
	})
	sub.Publish(first)

	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case <-ctx.Done():
				sub.Fail(ctx.Err())
				return
			case <-signal:
				snapshot, err := load(ctx)
				if err != nil {
					s.log.WithError(err).WithField("topic", topic).Debug("subscription ended")
					sub.Fail(err)
					return
				}
				sub.Publish(snapshot)
			}
		}
	}()
	return sub, nil
}
