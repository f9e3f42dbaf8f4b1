// Package model defines the provider-neutral LLM client surface used by llm
// nodes. Provider adapters live in model/openai, model/anthropic and
// model/bedrock; the Registry maps provider names to configured clients.
package model

import (
	"context"
	"net/http"
	"sync"

	"github.com/flowmaestro/flowmaestro/fault"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type (
	// Message is one conversation turn.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Request is a provider-neutral completion request.
	Request struct {
		// Model is the provider-specific model identifier. Empty uses the
		// adapter's default.
		Model string
		// Messages is the conversation, in order. System turns are hoisted
		// by adapters that take system prompts out of band.
		Messages []Message
		// Temperature of 0 means the provider default.
		Temperature float32
		// MaxTokens caps the completion. Zero uses the adapter's default.
		MaxTokens int
	}

	// Usage reports token consumption for one completion.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Response is a provider-neutral completion result.
	Response struct {
		// Text is the concatenated assistant text.
		Text string `json:"text"`
		// Model is the model that actually served the request.
		Model string `json:"model"`
		// StopReason is the provider's finish reason, verbatim.
		StopReason string `json:"stop_reason,omitempty"`
		Usage      Usage  `json:"usage"`
	}

	// Client issues completions against one provider.
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Registry maps provider names to configured clients.
	Registry struct {
		mu      sync.RWMutex
		clients map[string]Client
	}
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register binds a provider name to a client, replacing any previous binding.
func (r *Registry) Register(provider string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[provider] = c
}

// Get returns the client for a provider.
func (r *Registry) Get(provider string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[provider]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "unknown llm provider %q", provider)
	}
	return c, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}

// ClassifyStatus maps a provider HTTP status to an error kind.
func ClassifyStatus(status int) fault.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return fault.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fault.KindTimeout
	case status >= 500:
		return fault.KindServer
	case status >= 400:
		return fault.KindValidation
	default:
		return fault.KindUnknown
	}
}
