package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	oaioption "github.com/openai/openai-go/option"

	"github.com/zen-systems/routegate/pkg/mode"
)

// OpenAICompatible serves Ollama, vLLM and OpenAI through the OpenAI API.
type OpenAICompatible struct {
	name       string
	class      mode.Class
	configured []string
	client     openai.Client
}

// NewOpenAICompatible creates a provider for baseURL. An empty baseURL uses
// the OpenAI cloud endpoint.
func NewOpenAICompatible(name, baseURL, apiKey string, class mode.Class, models []string) *OpenAICompatible {
	if apiKey == "" {
		// Self-hosted servers ignore the key but the client always sends one.
		apiKey = "routegate"
	}
	opts := []oaioption.RequestOption{
		oaioption.WithAPIKey(apiKey),
		oaioption.WithMaxRetries(0),
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, oaioption.WithBaseURL(baseURL))
	}
	return &OpenAICompatible{
		name:       name,
		class:      class,
		configured: models,
		client:     openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (p *OpenAICompatible) Name() string {
	return p.name
}

// Class returns the provider class.
func (p *OpenAICompatible) Class() mode.Class {
	return p.class
}

// ListModels queries the models endpoint.
func (p *OpenAICompatible) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, wrap(p.name, fmt.Errorf("list models: %w", err))
	}
	probed := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		probed = append(probed, m.ID)
	}
	return advertised(p.configured, probed), nil
}

// Chat sends prompt as a single user message.
func (p *OpenAICompatible) Chat(ctx context.Context, model, prompt string) (*Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(4096),
	})
	if err != nil {
		return nil, wrap(p.name, fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: p.name, Err: fmt.Errorf("no choices returned")}
	}

	return &Response{
		Provider: p.name,
		Model:    model,
		Content:  resp.Choices[0].Message.Content,
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Capabilities reports the chat feature set. Self-hosted servers get a
// smaller default context.
func (p *OpenAICompatible) Capabilities() Capabilities {
	maxContext := 8192
	if p.class == mode.ClassCloud {
		maxContext = 128000
	}
	return Capabilities{
		Streaming:      true,
		Tools:          true,
		SystemMessages: true,
		Vision:         p.class == mode.ClassCloud,
		MaxContext:     maxContext,
	}
}
