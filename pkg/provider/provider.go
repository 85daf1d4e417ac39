// Package provider talks to model backends: it probes them for the models
// they serve and sends chat requests on behalf of the dispatcher.
package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zen-systems/routegate/pkg/mode"
)

// Provider is a model backend.
type Provider interface {
	// Name returns the provider identifier used in qualified model ids.
	Name() string

	// Class reports where the provider's models run.
	Class() mode.Class

	// Capabilities describes what the provider's chat endpoint supports.
	Capabilities() Capabilities

	// ListModels probes the backend and returns the models it currently
	// serves. An error means the provider is unhealthy.
	ListModels(ctx context.Context) ([]string, error)

	// Chat sends a single-turn prompt to model.
	Chat(ctx context.Context, model, prompt string) (*Response, error)
}

// Capabilities is a provider's feature set.
type Capabilities struct {
	Streaming      bool `json:"streaming"`
	Tools          bool `json:"tools"`
	SystemMessages bool `json:"system_messages"`
	Vision         bool `json:"vision"`
	MaxContext     int  `json:"max_context"`
}

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a chat completion.
type Response struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Content  string `json:"content"`
	Usage    *Usage `json:"usage,omitempty"`
}

// Supported provider types.
const (
	TypeOllama    = "ollama"
	TypeVLLM      = "vllm"
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeGoogle    = "google"
	TypeStatic    = "static"
)

// Types lists every provider type New accepts.
func Types() []string {
	return []string{TypeOllama, TypeVLLM, TypeOpenAI, TypeAnthropic, TypeGoogle, TypeStatic}
}

// DefaultOllamaURL is the OpenAI-compatible endpoint of a local Ollama.
const DefaultOllamaURL = "http://localhost:11434/v1"

// Config describes one provider. APIKey takes precedence over APIKeyEnv.
// Models, when set, is the advertised model list once a probe succeeds.
// Class overrides the class derived from the type and endpoint.
type Config struct {
	Name      string
	Type      string
	BaseURL   string
	APIKeyEnv string
	APIKey    string
	Models    []string
	Class     string
}

// New builds the provider described by cfg.
func New(cfg Config) (Provider, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Type
	}
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	var class mode.Class
	switch strings.ToLower(cfg.Type) {
	case TypeOllama, TypeVLLM:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			if cfg.Type == TypeVLLM {
				return nil, fmt.Errorf("provider %s: vllm requires base_url", name)
			}
			baseURL = DefaultOllamaURL
		}
		class = mode.ClassForEndpoint(baseURL)
		if cfg.Class != "" {
			c, err := mode.ParseClass(cfg.Class)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			class = c
		}
		return NewOpenAICompatible(name, baseURL, apiKey, class, cfg.Models), nil
	case TypeOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("provider %s: openai API key is required", name)
		}
		class = mode.ClassCloud
		if cfg.BaseURL != "" {
			class = mode.ClassForEndpoint(cfg.BaseURL)
		}
		return NewOpenAICompatible(name, cfg.BaseURL, apiKey, class, cfg.Models), nil
	case TypeAnthropic:
		return NewAnthropic(name, apiKey, cfg.BaseURL, cfg.Models)
	case TypeGoogle:
		return NewGoogle(name, apiKey, cfg.BaseURL, cfg.Models)
	case TypeStatic:
		class = mode.ClassLocal
		if cfg.Class != "" {
			c, err := mode.ParseClass(cfg.Class)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			class = c
		}
		return NewStatic(name, class, cfg.Models...), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", name, cfg.Type)
	}
}

// advertised returns configured models when set, otherwise the probed list.
func advertised(configured, probed []string) []string {
	if len(configured) > 0 {
		return append([]string(nil), configured...)
	}
	return probed
}
