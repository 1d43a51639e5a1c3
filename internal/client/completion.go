package client

import (
	"context"
	"net/http"

	"moonit/internal/models"
)

// CompletionClient posts conversations to the completion endpoint.
type CompletionClient struct {
	t *transport
}

// NewCompletionClient returns a completion client authenticated with token.
func NewCompletionClient(baseURL, token string, opts ...Option) *CompletionClient {
	return &CompletionClient{t: newTransport(baseURL, token, opts)}
}

// Complete returns the assistant reply for history. The reply is read from the
// message object and falls back to a top-level content field. Any non-2xx answer
// is an error; an answer without text yields "".
func (c *CompletionClient) Complete(ctx context.Context, history []models.ChatMessage) (string, error) {
	var body struct {
		Message *models.ChatMessage `json:"message"`
		Content string              `json:"content"`
	}
	in := map[string][]models.ChatMessage{"messages": history}
	if err := c.t.do(ctx, http.MethodPost, "/api/chat", in, &body); err != nil {
		return "", err
	}
	if body.Message != nil {
		if text := body.Message.Body(); text != "" {
			return text, nil
		}
	}
	return body.Content, nil
}
