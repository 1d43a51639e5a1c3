package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"moonit/internal/feed"
	"moonit/internal/models"
)

// DeletePrompt is the question asked before a session is deleted.
const DeletePrompt = "Delete this chat permanently?"

const chatRoute = "/chat"

// ErrNoConfirmer is returned by Delete when nobody can confirm the deletion.
var ErrNoConfirmer = errors.New("deletion needs a confirmer")

// ChatPath is the route of one session.
func ChatPath(sessionID string) string {
	return chatRoute + "/" + sessionID
}

// SessionList is the live, newest-first list of the identity's sessions.
type SessionList struct {
	client *Client

	mu       sync.Mutex
	sessions []models.Session
	current  string
	state    SyncState
	lastErr  error
	closed   bool

	creating atomic.Bool
	changes  chan struct{}
	stop     context.CancelFunc
	done     chan struct{}
}

// NewSessionList subscribes to the identity's sessions. The first subscription
// attempt is made synchronously so a broken store is reported to the caller; later
// failures are retried in the background.
func (c *Client) NewSessionList(ctx context.Context) (*SessionList, error) {
	first, err := c.store.SubscribeSessions(ctx)
	if err != nil {
		return nil, err
	}
	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &SessionList{
		client:  c,
		changes: make(chan struct{}, 1),
		stop:    cancel,
		done:    make(chan struct{}),
	}
	if err := c.track(l); err != nil {
		cancel()
		first.Close()
		return nil, err
	}

	f := follower[[]models.Session]{
		subscribe: func(ctx context.Context) (*feed.Subscription[[]models.Session], error) {
			return c.store.SubscribeSessions(ctx)
		},
		apply:   l.applySnapshot,
		state:   l.setState,
		backoff: c.backoff,
	}
	go func() {
		defer close(l.done)
		f.run(syncCtx, first)
	}()
	return l, nil
}

// Sessions returns the latest snapshot.
func (l *SessionList) Sessions() []models.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Session, len(l.sessions))
	copy(out, l.sessions)
	return out
}

// Search filters the fetched list by a case-insensitive substring of the title.
// A blank query returns everything.
func (l *SessionList) Search(query string) []models.Session {
	return FilterSessions(l.Sessions(), query)
}

// FilterSessions keeps the sessions whose title contains query, ignoring case.
func FilterSessions(sessions []models.Session, query string) []models.Session {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]models.Session, 0, len(sessions))
	for _, s := range sessions {
		if query == "" || strings.Contains(strings.ToLower(s.Title), query) {
			out = append(out, s)
		}
	}
	return out
}

// SetCurrent records the session the UI currently shows.
func (l *SessionList) SetCurrent(sessionID string) {
	l.mu.Lock()
	l.current = sessionID
	l.mu.Unlock()
}

// Current returns the session the UI currently shows.
func (l *SessionList) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// SyncState reports the state of the live link and the last subscription error.
func (l *SessionList) SyncState() (SyncState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.lastErr
}

// Changes receives a coalesced signal whenever the list changed.
func (l *SessionList) Changes() <-chan struct{} {
	return l.changes
}

// Create inserts a "New Chat" session and navigates to it.
func (l *SessionList) Create(ctx context.Context) (*models.Session, error) {
	session, err := l.client.store.CreateSession(ctx, models.DefaultSessionTitle)
	if err != nil {
		l.client.log.WithError(err).Error("create session")
		return nil, err
	}
	l.SetCurrent(session.ID)
	l.client.nav.Navigate(ChatPath(session.ID))
	return session, nil
}

// EnsureActive creates and opens a session when none is shown. Concurrent calls
// create at most one session; the losers return nil.
func (l *SessionList) EnsureActive(ctx context.Context) (*models.Session, error) {
	if l.Current() != "" {
		return nil, nil
	}
	if !l.creating.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer l.creating.Store(false)
	if l.Current() != "" {
		return nil, nil
	}
	return l.Create(ctx)
}

// Delete removes a session after the user confirmed it. When the session is the
// one shown, the UI navigates back to the chat index before the delete is issued.
// It reports whether the deletion was attempted.
func (l *SessionList) Delete(ctx context.Context, sessionID string) (bool, error) {
	if l.client.confirm == nil {
		return false, ErrNoConfirmer
	}
	if !l.client.confirm.Confirm(DeletePrompt) {
		return false, nil
	}

	l.mu.Lock()
	leaving := l.current == sessionID
	if leaving {
		l.current = ""
	}
	l.mu.Unlock()
	if leaving {
		l.client.nav.Navigate(chatRoute)
	}

	if err := l.client.store.DeleteSession(ctx, sessionID); err != nil {
		l.client.log.WithError(err).WithField("session_id", sessionID).Error("delete session")
		return true, err
	}
	return true, nil
}

// Close stops following the list.
func (l *SessionList) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.stop()
	<-l.done

	l.mu.Lock()
	l.state = SyncClosed
	l.mu.Unlock()
	l.client.untrack(l)
}

func (l *SessionList) applySnapshot(snapshot []models.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sessions := make([]models.Session, len(snapshot))
	copy(sessions, snapshot)
	l.sessions = sessions
	l.notifyLocked()
}

func (l *SessionList) setState(state SyncState, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state == SyncReconnecting {
		l.client.log.WithError(err).Warn("session subscription lost, reconnecting")
	}
	l.state = state
	l.lastErr = err
	l.notifyLocked()
}

func (l *SessionList) notifyLocked() {
	select {
	case l.changes <- struct{}{}:
	default:
	}
}
