package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"moonit/internal/feed"
	"moonit/internal/models"
)

// StoreClient is the document store API of one identity.
type StoreClient struct {
	t *transport
}

// NewStoreClient returns a store client authenticated with token.
func NewStoreClient(baseURL, token string, opts ...Option) *StoreClient {
	return &StoreClient{t: newTransport(baseURL, token, opts)}
}

func sessionPath(sessionID string) string {
	return "/api/sessions/" + url.PathEscape(sessionID)
}

func (s *StoreClient) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	var session models.Session
	if err := s.t.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"title": title}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *StoreClient) ListSessions(ctx context.Context) ([]models.Session, error) {
	var body struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := s.t.do(ctx, http.MethodGet, "/api/sessions", nil, &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

func (s *StoreClient) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	return s.t.do(ctx, http.MethodPatch, sessionPath(sessionID), map[string]string{"title": title}, nil)
}

func (s *StoreClient) DeleteSession(ctx context.Context, sessionID string) error {
	return s.t.do(ctx, http.MethodDelete, sessionPath(sessionID), nil, nil)
}

func (s *StoreClient) AddMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	var msg models.Message
	in := models.ChatMessage{Role: role, Content: content}
	if err := s.t.do(ctx, http.MethodPost, sessionPath(sessionID)+"/messages", in, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *StoreClient) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := s.t.do(ctx, http.MethodGet, sessionPath(sessionID)+"/messages", nil, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// SubscribeSessions follows the identity's sessions, newest first.
func (s *StoreClient) SubscribeSessions(ctx context.Context) (*feed.Subscription[[]models.Session], error) {
	return subscribe(ctx, s.t, "/api/sessions/stream", func(data []byte) ([]models.Session, error) {
		var body struct {
			Sessions []models.Session `json:"sessions"`
		}
		err := json.Unmarshal(data, &body)
		return body.Sessions, err
	})
}

// SubscribeMessages follows the turns of one session, oldest first.
func (s *StoreClient) SubscribeMessages(ctx context.Context, sessionID string) (*feed.Subscription[[]models.Message], error) {
	return subscribe(ctx, s.t, sessionPath(sessionID)+"/messages/stream", func(data []byte) ([]models.Message, error) {
		var body struct {
			Messages []models.Message `json:"messages"`
		}
		err := json.Unmarshal(data, &body)
		return body.Messages, err
	})
}
