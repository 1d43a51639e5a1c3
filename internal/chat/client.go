// Package chat is the client runtime of MOONIT: it keeps a live local view of one
// conversation, runs the turn submission flow and manages the session list. All
// collaborators (document store, completion endpoint, router, confirmation dialog)
// are interfaces so the runtime can be driven by HTTP clients or in-process
// implementations alike.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"moonit/internal/feed"
	"moonit/internal/models"
)

var (
	// ErrNoIdentity is returned by NewClient without a signed-in user.
	ErrNoIdentity = errors.New("identity is required")
	// ErrClientClosed is returned after sign-out.
	ErrClientClosed = errors.New("client closed")
)

// Identity is the signed-in user every component acts on behalf of.
type Identity struct {
	UserID      string
	Token       string
	DisplayName string
}

// Store is the document store as seen by one identity.
type Store interface {
	CreateSession(ctx context.Context, title string) (*models.Session, error)
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error
	AddMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error)
	SubscribeSessions(ctx context.Context) (*feed.Subscription[[]models.Session], error)
	SubscribeMessages(ctx context.Context, sessionID string) (*feed.Subscription[[]models.Message], error)
}

// Completer returns the assistant reply for a role/content history.
type Completer interface {
	Complete(ctx context.Context, history []models.ChatMessage) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, history []models.ChatMessage) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, history []models.ChatMessage) (string, error) {
	return f(ctx, history)
}

// Navigator moves the UI to a route such as "/chat/<id>".
type Navigator interface {
	Navigate(path string)
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(prompt string) bool
}

type noopNavigator struct{}

func (noopNavigator) Navigate(string) {}

const (
	defaultCompletionTimeout = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultBackoffMin        = 500 * time.Millisecond
	defaultBackoffMax        = 30 * time.Second
)

// Option customizes a Client.
type Option func(*Client)

func WithNavigator(n Navigator) Option { return func(c *Client) { c.nav = n } }

func WithConfirmer(cf Confirmer) Option { return func(c *Client) { c.confirm = cf } }

func WithLogger(log logrus.FieldLogger) Option { return func(c *Client) { c.log = log } }

// WithCompletionTimeout bounds each completion request.
func WithCompletionTimeout(d time.Duration) Option {
	return func(c *Client) { c.completionTimeout = d }
}

// WithWriteTimeout bounds each background store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithReconnectBackoff sets the delay range between subscription attempts.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.backoff = backoff{min: min, max: max} }
}

type closer interface{ Close() }

// Client lives from sign-in to sign-out. Everything it hands out is torn down by
// Close.
type Client struct {
	identity  Identity
	store     Store
	completer Completer
	nav       Navigator
	confirm   Confirmer
	log       logrus.FieldLogger

	completionTimeout time.Duration
	writeTimeout      time.Duration
	backoff           backoff

	mu     sync.Mutex
	owned  map[closer]struct{}
	closed bool
}

// NewClient starts the runtime for a signed-in identity.
func NewClient(identity Identity, store Store, completer Completer, opts ...Option) (*Client, error) {
	if identity.UserID == "" {
		return nil, ErrNoIdentity
	}
	if store == nil || completer == nil {
		return nil, errors.New("store and completer are required")
	}
	c := &Client{
		identity:          identity,
		store:             store,
		completer:         completer,
		nav:               noopNavigator{},
		log:               logrus.StandardLogger(),
		completionTimeout: defaultCompletionTimeout,
		writeTimeout:      defaultWriteTimeout,
		backoff:           backoff{min: defaultBackoffMin, max: defaultBackoffMax},
		owned:             make(map[closer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("user_id", identity.UserID)
	return c, nil
}

// Identity returns the signed-in user.
func (c *Client) Identity() Identity {
	return c.identity
}

// Close signs out: every conversation and session list of this client stops.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()

	for o := range owned {
		o.Close()
	}
}

func (c *Client) track(o closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.owned[o] = struct{}{}
	return nil
}

func (c *Client) untrack(o closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owned != nil {
		delete(c.owned, o)
	}
}
