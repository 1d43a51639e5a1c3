package docstore

import (
	"context"

	"moonit/internal/feed"
	"moonit/internal/models"
)

// UserStore is the store as seen by one signed-in user.
type UserStore struct {
	store  *Store
	userID string
}

// For scopes the store to userID.
func (s *Store) For(userID string) *UserStore {
	return &UserStore{store: s, userID: userID}
}

func (u *UserStore) UserID() string { return u.userID }

func (u *UserStore) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	return u.store.CreateSession(ctx, u.userID, title)
}

func (u *UserStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return u.store.GetSession(ctx, u.userID, sessionID)
}

func (u *UserStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	return u.store.ListSessions(ctx, u.userID)
}

func (u *UserStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	return u.store.UpdateSessionTitle(ctx, u.userID, sessionID, title)
}

func (u *UserStore) DeleteSession(ctx context.Context, sessionID string) error {
	return u.store.DeleteSession(ctx, u.userID, sessionID)
}

func (u *UserStore) AddMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	return u.store.AddMessage(ctx, u.userID, sessionID, role, content)
}

func (u *UserStore) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	return u.store.ListMessages(ctx, u.userID, sessionID)
}

func (u *UserStore) SubscribeSessions(ctx context.Context) (*feed.Subscription[[]models.Session], error) {
	return u.store.SubscribeSessions(ctx, u.userID)
}

func (u *UserStore) SubscribeMessages(ctx context.Context, sessionID string) (*feed.Subscription[[]models.Message], error) {
	return u.store.SubscribeMessages(ctx, u.userID, sessionID)
}
