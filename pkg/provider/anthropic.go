package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	antoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zen-systems/routegate/pkg/mode"
)

// Anthropic serves Claude models. It is always cloud class.
type Anthropic struct {
	name       string
	configured []string
	client     anthropic.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(name, apiKey, baseURL string, models []string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	opts := []antoption.RequestOption{
		antoption.WithAPIKey(apiKey),
		antoption.WithMaxRetries(0),
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, antoption.WithBaseURL(baseURL))
	}
	return &Anthropic{
		name:       name,
		configured: models,
		client:     anthropic.NewClient(opts...),
	}, nil
}

// Name returns the provider identifier.
func (p *Anthropic) Name() string {
	return p.name
}

// Class returns ClassCloud.
func (p *Anthropic) Class() mode.Class {
	return mode.ClassCloud
}

// ListModels queries the models endpoint.
func (p *Anthropic) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
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
func (p *Anthropic) Chat(ctx context.Context, model, prompt string) (*Response, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, wrap(p.name, fmt.Errorf("messages: %w", err))
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &Response{
		Provider: p.name,
		Model:    model,
		Content:  content.String(),
		Usage:    &Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// Capabilities reports the Messages API feature set.
func (p *Anthropic) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Tools: true, SystemMessages: true, Vision: true, MaxContext: 200000}
}
