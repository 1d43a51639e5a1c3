// Package feed carries full-snapshot change streams from a producer to one consumer.
package feed

import (
	"errors"
	"sync"
)

// ErrClosed is reported by Err after the consumer closed the subscription.
var ErrClosed = errors.New("subscription closed")

// Subscription delivers the latest snapshot of some value. Only the most recent
// undelivered snapshot is kept: a slow consumer skips intermediate states but never
// observes an out-of-date one after a newer one.
type Subscription[T any] struct {
	ch   chan T
	done chan struct{}

	once    sync.Once
	mu      sync.Mutex
	err     error
	release func()
}

// New creates a subscription. release runs exactly once when the subscription ends,
// whichever side ends it, and has returned by the time Done is closed.
func New[T any](release func()) *Subscription[T] {
	return &Subscription[T]{
		ch:      make(chan T, 1),
		done:    make(chan struct{}),
		release: release,
	}
}

// C yields snapshots. It is never closed; watch Done to learn when the stream ended.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Done is closed once the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended, or nil while it is live.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription from the consumer side.
func (s *Subscription[T]) Close() {
	s.finish(ErrClosed)
}

// Fail ends the subscription from the producer side.
func (s *Subscription[T]) Fail(err error) {
	if err == nil {
		err = ErrClosed
	}
	s.finish(err)
}

// Publish replaces any pending snapshot with v. It returns false once the
// subscription has ended.
func (s *Subscription[T]) Publish(v T) bool {
	for {
		select {
		case <-s.done:
			return false
		default:
		}
		select {
		case s.ch <- v:
			return true
		case <-s.done:
			return false
		default:
			// drop the stale snapshot the consumer has not picked up yet
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (s *Subscription[T]) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.release != nil {
			s.release()
		}
		close(s.done)
	})
}
