package client

import (
	"context"
	"net/http"

	"moonit/internal/chat"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates an account on the server.
func Register(ctx context.Context, baseURL, username, password string, opts ...Option) error {
	t := newTransport(baseURL, "", opts)
	return t.do(ctx, http.MethodPost, "/api/users/register", credentials{username, password}, nil)
}

// Login signs in and returns the identity the chat runtime acts for.
func Login(ctx context.Context, baseURL, username, password string, opts ...Option) (chat.Identity, error) {
	t := newTransport(baseURL, "", opts)
	var body struct {
		ID        string `json:"id"`
		Username  string `json:"username"`
		AuthToken string `json:"auth_token"`
	}
	if err := t.do(ctx, http.MethodPost, "/api/users/login", credentials{username, password}, &body); err != nil {
		return chat.Identity{}, err
	}
	return chat.Identity{UserID: body.ID, Token: body.AuthToken, DisplayName: body.Username}, nil
}

// Logout revokes the identity's token.
func Logout(ctx context.Context, baseURL string, identity chat.Identity, opts ...Option) error {
	t := newTransport(baseURL, identity.Token, opts)
	return t.do(ctx, http.MethodPost, "/api/users/logout", nil, nil)
}

// Connect builds a chat client for identity backed by the server at baseURL.
func Connect(baseURL string, identity chat.Identity, opts []Option, chatOpts ...chat.Option) (*chat.Client, error) {
	store := NewStoreClient(baseURL, identity.Token, opts...)
	completer := NewCompletionClient(baseURL, identity.Token, opts...)
	return chat.NewClient(identity, store, completer, chatOpts...)
}
