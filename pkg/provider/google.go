package provider

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/zen-systems/routegate/pkg/mode"
)

// Google serves Gemini models. It is always cloud class.
type Google struct {
	name       string
	configured []string
	client     *genai.Client
}

// NewGoogle creates a Gemini provider.
func NewGoogle(name, apiKey, baseURL string, models []string) (*Google, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &Google{name: name, configured: models, client: client}, nil
}

// Name returns the provider identifier.
func (p *Google) Name() string {
	return p.name
}

// Class returns ClassCloud.
func (p *Google) Class() mode.Class {
	return mode.ClassCloud
}

// ListModels returns the first page of models, without the "models/" prefix.
func (p *Google) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, wrap(p.name, fmt.Errorf("list models: %w", err))
	}
	probed := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		if m == nil {
			continue
		}
		probed = append(probed, strings.TrimPrefix(m.Name, "models/"))
	}
	return advertised(p.configured, probed), nil
}

// Chat sends prompt as a single content turn.
func (p *Google) Chat(ctx context.Context, model, prompt string) (*Response, error) {
	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return nil, wrap(p.name, fmt.Errorf("generate content: %w", err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Error{Provider: p.name, Err: fmt.Errorf("no candidates returned")}
	}

	var content strings.Builder
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil && part.Text != "" {
				content.WriteString(part.Text)
			}
		}
	}
	out := &Response{Provider: p.name, Model: model, Content: content.String()}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// Capabilities reports the Gemini feature set.
func (p *Google) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Tools: true, SystemMessages: true, Vision: true, MaxContext: 1000000}
}
