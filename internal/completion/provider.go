package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	goopenai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"moonit/internal/config"
)

// GroqBaseURL is Groq's OpenAI-compatible endpoint.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// ErrMissingAPIKey is returned by NewChatModel when the provider has no credential.
var ErrMissingAPIKey = errors.New("api key is required")

// NewChatModel builds the chat model of the configured provider.
func NewChatModel(ctx context.Context, cfg config.ProviderConfig) (ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, ErrMissingAPIKey)
	}
	switch cfg.Name {
	case "groq":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = GroqBaseURL
		}
		return newOpenAICompatible(cfg.APIKey, baseURL, cfg.Model), nil
	case "openai":
		return einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 2048
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Name)
	}
}

// openAICompatible talks to any OpenAI-style chat completions API, Groq included.
type openAICompatible struct {
	client *goopenai.Client
	model  string
}

func newOpenAICompatible(apiKey, baseURL, modelName string) *openAICompatible {
	clientCfg := goopenai.DefaultConfig(apiKey)
	clientCfg.BaseURL = baseURL
	return &openAICompatible{client: goopenai.NewClientWithConfig(clientCfg), model: modelName}
}

func (o *openAICompatible) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Model: &o.model}, opts...)

	req := goopenai.ChatCompletionRequest{
		Model:    *options.Model,
		Messages: make([]goopenai.ChatCompletionMessage, 0, len(input)),
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	if options.Temperature != nil {
		req.Temperature = *options.Temperature
	}
	for _, msg := range input {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in completion response")
	}
	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Unavailable returns a model that fails every generation with err. It stands in
// for a provider that could not be configured.
func Unavailable(err error) ChatModel {
	return unavailableModel{err: err}
}

type unavailableModel struct {
	err error
}

func (u unavailableModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, u.err
}
