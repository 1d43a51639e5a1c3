package chat

import (
	"context"
	"errors"
	"time"

	"moonit/internal/docstore"
	"moonit/internal/feed"
)

// SyncState describes the live link between a local view and the store.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncLive
	SyncReconnecting
	SyncClosed
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncLive:
		return "live"
	case SyncReconnecting:
		return "reconnecting"
	case SyncClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type backoff struct {
	min time.Duration
	max time.Duration
}

func (b backoff) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.min
	}
	cur *= 2
	if cur > b.max {
		cur = b.max
	}
	return cur
}

// follower keeps one subscription alive until ctx ends. A failed or ended
// subscription is replaced after a capped exponential delay; a missing session ends
// the loop for good. The delay only resets once a snapshot has been applied.
type follower[T any] struct {
	subscribe func(ctx context.Context) (*feed.Subscription[T], error)
	apply     func(T)
	state     func(SyncState, error)
	backoff   backoff
}

func (f follower[T]) run(ctx context.Context, first *feed.Subscription[T]) {
	sub := first
	var delay time.Duration
	for {
		if sub == nil {
			var err error
			sub, err = f.subscribe(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, docstore.ErrNotFound) {
					f.state(SyncClosed, err)
					return
				}
				delay = f.backoff.next(delay)
				f.state(SyncReconnecting, err)
				if !sleep(ctx, delay) {
					return
				}
				continue
			}
		}
		applied, err := f.consume(ctx, sub)
		sub.Close()
		sub = nil
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, docstore.ErrNotFound) {
			f.state(SyncClosed, err)
			return
		}
		if applied {
			delay = 0
		}
		delay = f.backoff.next(delay)
		f.state(SyncReconnecting, err)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// consume applies snapshots until the subscription ends and reports whether any
// was applied. The link counts as live once the first snapshot has been applied.
func (f follower[T]) consume(ctx context.Context, sub *feed.Subscription[T]) (bool, error) {
	live := false
	apply := func(snapshot T) {
		f.apply(snapshot)
		if !live {
			live = true
			f.state(SyncLive, nil)
		}
	}
	for {
		select {
		case snapshot := <-sub.C():
			apply(snapshot)
		case <-sub.Done():
			select {
			case snapshot := <-sub.C():
				apply(snapshot)
			default:
			}
			return live, sub.Err()
		case <-ctx.Done():
			return live, ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
