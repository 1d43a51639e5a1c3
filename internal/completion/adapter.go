// Package completion forwards a conversation to a hosted chat model under the MOONIT
// persona and returns the assistant reply.
package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"moonit/internal/metrics"
	"moonit/internal/models"
)

// Persona is the system prompt placed ahead of every conversation.
const Persona = "You are MOONIT, a helpful and friendly AI assistant. \n" +
	"Your goal is to provide accurate, clear answers to any question.\n" +
	"Be conversational and warm, but stay focused on being helpful.\n" +
	"Keep your responses concise and easy to understand."

// ChatModel is the subset of an eino chat model the adapter needs.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Adapter turns a role/content history into one assistant reply.
type Adapter struct {
	model     ChatModel
	maxTokens int
	log       logrus.FieldLogger
}

// NewAdapter wraps m. maxTokens <= 0 leaves the provider default in place.
func NewAdapter(m ChatModel, maxTokens int, log logrus.FieldLogger) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{model: m, maxTokens: maxTokens, log: log.WithField("component", "completion")}
}

// Complete prepends the persona, drops entries without content and asks the model
// for a single non-streaming reply. A history with nothing left is still sent as
// the persona alone, and an empty answer is returned as is.
func (a *Adapter) Complete(ctx context.Context, history []models.ChatMessage) (models.ChatMessage, error) {
	input := buildInput(history)
	a.log.WithField("messages", len(input)-1).Debug("forwarding conversation")

	var opts []model.Option
	if a.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(a.maxTokens))
	}

	start := time.Now()
	reply, err := a.model.Generate(ctx, input, opts...)
	metrics.CompletionSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("generate completion: %w", err)
	}
	var content string
	if reply != nil {
		content = reply.Content
	}
	a.log.WithField("chars", len(content)).Debug("received completion")
	return models.ChatMessage{Role: models.RoleAssistant, Content: content}, nil
}

func buildInput(history []models.ChatMessage) []*schema.Message {
	input := make([]*schema.Message, 0, len(history)+1)
	input = append(input, schema.SystemMessage(Persona))
	for _, msg := range history {
		body := msg.Body()
		if strings.TrimSpace(body) == "" {
			continue
		}
		input = append(input, &schema.Message{Role: toSchemaRole(msg.Role), Content: body})
	}
	return input
}

// toSchemaRole maps the known roles. Anything else goes through untouched and is
// left for the provider to accept or reject.
func toSchemaRole(role models.Role) schema.RoleType {
	switch role {
	case models.RoleUser:
		return schema.User
	case models.RoleAssistant:
		return schema.Assistant
	case models.RoleSystem:
		return schema.System
	default:
		return schema.RoleType(role)
	}
}
