// Package client talks to a MOONIT server over HTTP. StoreClient and
// CompletionClient satisfy the collaborators of the chat runtime.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"moonit/internal/docstore"
)

var (
	// ErrUnauthorized is returned when the server rejected the identity's token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited is returned on HTTP 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrStreamEnded is reported when the server closed a change stream.
	ErrStreamEnded = errors.New("change stream ended")
)

const defaultRequestTimeout = 30 * time.Second

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap maps well-known statuses to the sentinels callers match on.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return docstore.ErrNotFound
	case http.StatusBadRequest:
		return docstore.ErrInvalidInput
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return nil
	}
}

// Option customizes the HTTP clients.
type Option func(*transport)

// WithHTTPClient replaces the client used for plain requests. Streams always use a
// client without an overall timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *transport) { t.http = c }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *transport) { t.log = log }
}

type transport struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	log     logrus.FieldLogger
}

func newTransport(baseURL, token string, opts []Option) *transport {
	t := &transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		stream:  &http.Client{},
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithField("component", "client")
	return t
}

func (t *transport) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON answer into out when out is not nil.
func (t *transport) do(ctx context.Context, method, path string, in, out any) error {
	req, err := t.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	_ = json.Unmarshal(data, &body)
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}
