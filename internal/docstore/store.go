// Package docstore is the durable owner of chat sessions and their turns. Every write
// is followed by a change notification so live subscribers can resynchronize.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"moonit/internal/metrics"
	"moonit/internal/models"
	"moonit/internal/redis"
)

var (
	// ErrNotFound is returned when a session does not exist or belongs to someone else.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidInput is returned for malformed writes.
	ErrInvalidInput = errors.New("invalid input")
)

// Store persists sessions and messages and publishes changes.
type Store struct {
	db       *sqlx.DB
	notifier *notifier
	cache    *snapshotCache
	log      logrus.FieldLogger
	now      func() time.Time
}

// New builds a store. rdb may be nil, in which case changes are only visible to
// subscribers of this process and no snapshot cache is used.
func New(db *sqlx.DB, rdb *redis.Client, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "docstore")
	s := &Store{
		db:       db,
		notifier: newNotifier(rdb, log),
		cache:    newSnapshotCache(rdb, log),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.notifier.start()
	return s
}

// Close stops cross-instance change delivery.
func (s *Store) Close() {
	s.notifier.close()
}

// CreateSession inserts a new session owned by userID.
func (s *Store) CreateSession(ctx context.Context, userID, title string) (*models.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultSessionTitle
	}
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO sessions (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`),
		session.ID, session.UserID, session.Title, session.CreatedAt,
	)
	metrics.StoreWrites.WithLabelValues("session_create", metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.notifier.notify(sessionsTopic(userID))
	return session, nil
}

// GetSession returns one session owned by userID.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session, s.db.Rebind(
		`SELECT id, user_id, title, created_at FROM sessions WHERE id = ? AND user_id = ?`),
		sessionID, userID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// ListSessions returns all sessions of a user, newest first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	sessions := make([]models.Session, 0)
	err := s.db.SelectContext(ctx, &sessions, s.db.Rebind(
		`SELECT id, user_id, title, created_at FROM sessions WHERE user_id = ? ORDER BY created_at DESC, seq DESC`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionTitle sets the title of a session. Concurrent updates are last write wins.
func (s *Store) UpdateSessionTitle(ctx context.Context, userID, sessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
	}
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET title = ? WHERE id = ? AND user_id = ?`),
		title, sessionID, userID,
	)
	metrics.StoreWrites.WithLabelValues("session_title", metrics.Outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	s.notifier.notify(sessionsTopic(userID))
	return nil
}

// DeleteSession removes a session and all of its messages.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) (err error) {
	defer func() {
		metrics.StoreWrites.WithLabelValues("session_delete", metrics.Outcome(err)).Inc()
	}()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.GetContext(ctx, &exists, tx.Rebind(
		`SELECT COUNT(*) FROM sessions WHERE id = ? AND user_id = ?`), sessionID, userID)
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ? AND user_id = ?`), sessionID, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}

	s.cache.invalidate(ctx, sessionID)
	s.notifier.notify(sessionsTopic(userID))
	s.notifier.notify(messagesTopic(sessionID))
	return nil
}

// AddMessage appends a turn to a session. The creation timestamp is assigned here.
func (s *Store) AddMessage(ctx context.Context, userID, sessionID string, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrInvalidInput)
	}
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`),
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	)
	metrics.StoreWrites.WithLabelValues("message_"+string(role), metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	s.cache.invalidate(ctx, sessionID)
	s.notifier.notify(messagesTopic(sessionID))
	return msg, nil
}

// ListMessages returns the turns of a session in conversation order.
func (s *Store) ListMessages(ctx context.Context, userID, sessionID string) ([]models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if cached, ok := s.cache.messages(ctx, sessionID); ok {
		return cached, nil
	}
	return s.loadMessages(ctx, sessionID)
}

// loadMessages reads from the database and refreshes the cached snapshot unless a
// write landed in between.
func (s *Store) loadMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	gen, cacheable := s.cache.generation(ctx, sessionID)
	messages := make([]models.Message, 0)
	err := s.db.SelectContext(ctx, &messages, s.db.Rebind(
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, seq ASC`),
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if cacheable {
		s.cache.storeMessages(ctx, sessionID, gen, messages)
	}
	return messages, nil
}
