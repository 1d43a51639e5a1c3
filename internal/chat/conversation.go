package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"moonit/internal/feed"
	"moonit/internal/models"
)

// FallbackReply is shown in place of an assistant answer when the completion fails.
const FallbackReply = "Sorry, I encountered an error. Please try again."

const localIDPrefix = "local-"

// ErrEmptyReply marks a completion that succeeded without any text.
var ErrEmptyReply = errors.New("empty completion reply")

// SubmitResult reports what one submission appended to the view.
type SubmitResult struct {
	User      models.Message
	Assistant models.Message
	// Failed is set when Assistant carries FallbackReply. Err holds the cause.
	Failed bool
	Err    error
	// Title is the derived session title when this was the first exchange.
	Title string
}

// Conversation is the local view of one session kept in sync with the store.
type Conversation struct {
	client *Client
	log    logrus.FieldLogger

	openMu    sync.Mutex
	mu        sync.Mutex
	sessionID string
	view      []models.Message
	state     SyncState
	lastErr   error
	closed    bool

	stopSync func()
	changes  chan struct{}
	inFlight atomic.Bool

	writes      sync.WaitGroup
	writeCtx    context.Context
	writeCancel context.CancelFunc
}

// NewConversation returns a conversation with no session open.
func (c *Client) NewConversation() (*Conversation, error) {
	writeCtx, writeCancel := context.WithCancel(context.Background())
	conv := &Conversation{
		client:      c,
		log:         c.log,
		changes:     make(chan struct{}, 1),
		writeCtx:    writeCtx,
		writeCancel: writeCancel,
	}
	if err := c.track(conv); err != nil {
		writeCancel()
		return nil, err
	}
	return conv, nil
}

// Open switches the conversation to sessionID. The previous subscription is
// released, the view is cleared and a live subscription to the new session starts.
// An empty sessionID leaves the view unsynced; submissions then stay local.
func (cv *Conversation) Open(ctx context.Context, sessionID string) error {
	cv.openMu.Lock()
	defer cv.openMu.Unlock()

	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return ErrClientClosed
	}
	stop := cv.stopSync
	cv.stopSync = nil
	cv.mu.Unlock()
	if stop != nil {
		stop()
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.closed {
		return ErrClientClosed
	}
	cv.sessionID = sessionID
	cv.view = nil
	cv.lastErr = nil
	cv.state = SyncIdle
	cv.notifyLocked()
	if sessionID == "" {
		return nil
	}

	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	cv.stopSync = func() {
		cancel()
		<-done
	}
	f := follower[[]models.Message]{
		subscribe: func(ctx context.Context) (*feed.Subscription[[]models.Message], error) {
			return cv.client.store.SubscribeMessages(ctx, sessionID)
		},
		apply: func(snapshot []models.Message) { cv.applySnapshot(sessionID, snapshot) },
		state: func(s SyncState, err error) { cv.setState(sessionID, s, err) },
		backoff: cv.client.backoff,
	}
	go func() {
		defer close(done)
		f.run(syncCtx, nil)
	}()
	return nil
}

// SessionID returns the open session, or "" when none is open.
func (cv *Conversation) SessionID() string {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.sessionID
}

// Messages returns a copy of the local view.
func (cv *Conversation) Messages() []models.Message {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	out := make([]models.Message, len(cv.view))
	copy(out, cv.view)
	return out
}

// SyncState reports the state of the live link and the last subscription error.
func (cv *Conversation) SyncState() (SyncState, error) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.state, cv.lastErr
}

// Changes receives a signal whenever the view or sync state changed. Signals
// coalesce.
func (cv *Conversation) Changes() <-chan struct{} {
	return cv.changes
}

// Pending reports whether a submission is in flight.
func (cv *Conversation) Pending() bool {
	return cv.inFlight.Load()
}

// Submit runs one turn: it appends the user turn, asks for a completion and appends
// the assistant turn or the fallback reply. Writes to the store happen in the
// background and never block or fail the submission. It returns false without doing
// anything for blank text or while another submission is pending.
func (cv *Conversation) Submit(ctx context.Context, text string) (SubmitResult, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SubmitResult{}, false
	}
	if !cv.inFlight.CompareAndSwap(false, true) {
		return SubmitResult{}, false
	}
	defer cv.inFlight.Store(false)

	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return SubmitResult{}, false
	}
	sessionID := cv.sessionID
	firstExchange := len(cv.view) == 0
	userTurn := newLocalTurn(sessionID, models.RoleUser, text)
	cv.view = append(cv.view, userTurn)
	history := models.ToChatMessages(cv.view)
	cv.notifyLocked()
	cv.mu.Unlock()

	log := cv.log.WithField("session_id", sessionID)
	cv.persist(sessionID, "user turn", func(ctx context.Context) error {
		_, err := cv.client.store.AddMessage(ctx, sessionID, models.RoleUser, text)
		return err
	})

	result := SubmitResult{User: userTurn}
	reply, err := cv.complete(ctx, history)
	if err != nil {
		log.WithError(err).Warn("completion failed")
		result.Assistant = newLocalTurn(sessionID, models.RoleAssistant, FallbackReply)
		result.Failed = true
		result.Err = err
		cv.appendLocal(sessionID, result.Assistant)
		return result, true
	}

	result.Assistant = newLocalTurn(sessionID, models.RoleAssistant, reply)
	cv.appendLocal(sessionID, result.Assistant)
	cv.persist(sessionID, "assistant turn", func(ctx context.Context) error {
		_, err := cv.client.store.AddMessage(ctx, sessionID, models.RoleAssistant, reply)
		return err
	})

	if firstExchange && sessionID != "" {
		result.Title = DeriveTitle(text)
		cv.persist(sessionID, "title", func(ctx context.Context) error {
			return cv.client.store.UpdateSessionTitle(ctx, sessionID, result.Title)
		})
	}
	return result, true
}

func (cv *Conversation) complete(ctx context.Context, history []models.ChatMessage) (reply string, err error) {
	ctx, cancel := context.WithTimeout(ctx, cv.client.completionTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			reply, err = "", fmt.Errorf("completer panicked: %v", r)
		}
	}()
	reply, err = cv.client.completer.Complete(ctx, history)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// persist runs a store write in the background. Failures are logged and dropped.
// Nothing is written while no session is open.
func (cv *Conversation) persist(sessionID, what string, write func(context.Context) error) {
	if sessionID == "" {
		return
	}
	cv.writes.Add(1)
	go func() {
		defer cv.writes.Done()
		ctx, cancel := context.WithTimeout(cv.writeCtx, cv.client.writeTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			cv.log.WithError(err).WithField("session_id", sessionID).Errorf("persist %s", what)
		}
	}()
}

// Wait blocks until the background writes started so far have finished.
func (cv *Conversation) Wait() {
	cv.writes.Wait()
}

// Close releases the subscription and cancels outstanding writes.
func (cv *Conversation) Close() {
	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return
	}
	cv.closed = true
	stop := cv.stopSync
	cv.stopSync = nil
	cv.mu.Unlock()

	if stop != nil {
		stop()
	}
	cv.writeCancel()

	cv.mu.Lock()
	cv.state = SyncClosed
	cv.notifyLocked()
	cv.mu.Unlock()
	cv.client.untrack(cv)
}

func (cv *Conversation) appendLocal(sessionID string, turn models.Message) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	// the user switched sessions while waiting
	if cv.closed || cv.sessionID != sessionID {
		return
	}
	cv.view = append(cv.view, turn)
	cv.notifyLocked()
}

func (cv *Conversation) applySnapshot(sessionID string, snapshot []models.Message) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.closed || cv.sessionID != sessionID {
		return
	}
	view := make([]models.Message, len(snapshot))
	copy(view, snapshot)
	cv.view = view
	cv.notifyLocked()
}

func (cv *Conversation) setState(sessionID string, state SyncState, err error) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.closed || cv.sessionID != sessionID {
		return
	}
	if state == SyncReconnecting {
		cv.log.WithError(err).WithField("session_id", sessionID).Warn("message subscription lost, reconnecting")
	}
	cv.state = state
	cv.lastErr = err
	cv.notifyLocked()
}

func (cv *Conversation) notifyLocked() {
	select {
	case cv.changes <- struct{}{}:
	default:
	}
}

func newLocalTurn(sessionID string, role models.Role, content string) models.Message {
	return models.Message{
		ID:        localIDPrefix + uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// IsLocal reports whether a turn has not been replaced by its stored copy yet.
func IsLocal(m models.Message) bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}
