package docstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"moonit/internal/redis"
)

const changesChannel = "docstore:changes"

type changeMessage struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
}

func sessionsTopic(userID string) string    { return "sessions:" + userID }
func messagesTopic(sessionID string) string { return "messages:" + sessionID }

// notifier wakes listeners of a topic after a write. Signals coalesce: a listener
// that has not yet reacted to one signal absorbs the next. When redis is available
// changes are also broadcast so subscribers attached to other instances resync.
type notifier struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}

	client *redis.Client
	origin string
	log    logrus.FieldLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newNotifier(client *redis.Client, log logrus.FieldLogger) *notifier {
	return &notifier{
		listeners: make(map[string]map[chan struct{}]struct{}),
		client:    client,
		origin:    uuid.NewString(),
		log:       log,
	}
}

// start subscribes to the shared change channel.
func (n *notifier) start() {
	if n.client == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	pubsub, err := n.client.Subscribe(ctx, changesChannel)
	if err != nil {
		cancel()
		n.log.WithError(err).Warn("change broadcast unavailable, subscribers see local writes only")
		return
	}
	n.cancel = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var change changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					n.log.WithError(err).Warn("decode change broadcast")
					continue
				}
				if change.Origin == n.origin {
					continue
				}
				n.deliver(change.Topic)
			}
		}
	}()
}

func (n *notifier) close() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// listen registers for a topic. The returned func unregisters.
func (n *notifier) listen(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	set, ok := n.listeners[topic]
	if !ok {
		set = make(map[chan struct{}]struct{})
		n.listeners[topic] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if set, ok := n.listeners[topic]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(n.listeners, topic)
			}
		}
	}
}

// notify signals local listeners and broadcasts the change.
func (n *notifier) notify(topic string) {
	n.deliver(topic)
	if n.client == nil {
		return
	}
	payload, err := json.Marshal(changeMessage{Origin: n.origin, Topic: topic})
	if err != nil {
		n.log.WithError(err).Warn("encode change broadcast")
		return
	}
	if err := n.client.Publish(context.Background(), changesChannel, payload); err != nil {
		n.log.WithError(err).WithField("topic", topic).Warn("publish change broadcast")
	}
}

func (n *notifier) deliver(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.listeners[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
