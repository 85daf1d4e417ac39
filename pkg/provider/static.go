package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/zen-systems/routegate/pkg/mode"
)

// Static serves a fixed model list and deterministic responses. It backs
// offline runs and tests; health and per-model failures can be injected.
type Static struct {
	name  string
	class mode.Class

	mu        sync.Mutex
	models    []string
	down      error
	chatErrs  map[string]error
	responses map[string]string
	probes    int
	calls     []string
}

// NewStatic creates a static provider serving models.
func NewStatic(name string, class mode.Class, models ...string) *Static {
	return &Static{
		name:      name,
		class:     class,
		models:    append([]string(nil), models...),
		chatErrs:  make(map[string]error),
		responses: make(map[string]string),
	}
}

// Name returns the provider identifier.
func (s *Static) Name() string {
	return s.name
}

// Class returns the configured class.
func (s *Static) Class() mode.Class {
	return s.class
}

// Capabilities reports a minimal feature set.
func (s *Static) Capabilities() Capabilities {
	return Capabilities{SystemMessages: true, MaxContext: 4096}
}

// SetDown makes probes and chats fail with err. A nil err brings the
// provider back.
func (s *Static) SetDown(err error) {
	s.mu.Lock()
	s.down = err
	s.mu.Unlock()
}

// SetModels replaces the served model list.
func (s *Static) SetModels(models ...string) {
	s.mu.Lock()
	s.models = append([]string(nil), models...)
	s.mu.Unlock()
}

// FailChat makes chats to model fail with err. A nil err clears it.
func (s *Static) FailChat(model string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.chatErrs, model)
		return
	}
	s.chatErrs[model] = err
}

// SetResponse fixes the reply for prompt.
func (s *Static) SetResponse(prompt, response string) {
	s.mu.Lock()
	s.responses[prompt] = response
	s.mu.Unlock()
}

// Probes returns how many times ListModels ran.
func (s *Static) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// Calls returns the models chatted with, in order.
func (s *Static) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// ListModels returns the served models unless the provider is down.
func (s *Static) ListModels(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if s.down != nil {
		return nil, s.down
	}
	return append([]string(nil), s.models...), nil
}

// Chat returns the fixed response for prompt, or an echo of it.
func (s *Static) Chat(ctx context.Context, model, prompt string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, model)
	if s.down != nil {
		return nil, &Error{Provider: s.name, Temporary: true, Err: s.down}
	}
	if err, ok := s.chatErrs[model]; ok {
		return nil, err
	}
	content, ok := s.responses[prompt]
	if !ok {
		content = fmt.Sprintf("static response:\n%s", prompt)
	}
	return &Response{Provider: s.name, Model: model, Content: content}, nil
}
