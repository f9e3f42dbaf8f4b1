package node

import (
	"context"
	"encoding/json"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/model"
)

// LLMExecutor issues one completion against a registered model provider.
type LLMExecutor struct {
	models *model.Registry
}

// NewLLM constructs the llm executor.
func NewLLM(models *model.Registry) *LLMExecutor {
	return &LLMExecutor{models: models}
}

// Metadata implements Executor.
func (e *LLMExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "llm",
		Description: "Generate a completion with a model provider",
		Category:    "ai",
		Retryable:   true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["provider"],
			"properties": {
				"provider": {"type": "string", "minLength": 1},
				"model": {"type": "string"},
				"prompt": {"type": "string"},
				"system": {"type": "string"},
				"messages": {"type": "array", "items": {
					"type": "object",
					"required": ["role", "content"],
					"properties": {
						"role": {"enum": ["system", "user", "assistant"]},
						"content": {"type": "string"}
					}
				}},
				"temperature": {"type": "number", "minimum": 0},
				"maxTokens": {"type": "integer", "minimum": 1}
			}
		}`),
	}
}

// Execute implements Executor. Either prompt (plus optional system) or an
// explicit messages list drives the conversation.
func (e *LLMExecutor) Execute(ctx context.Context, req Request) (any, error) {
	if e.models == nil {
		return nil, fault.New(fault.KindServer, "model providers are not configured")
	}
	provider, _ := req.Config["provider"].(string)
	client, err := e.models.Get(provider)
	if err != nil {
		return nil, err
	}

	var messages []model.Message
	if system, ok := req.Config["system"].(string); ok && system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	if raw, ok := req.Config["messages"].([]any); ok {
		for _, m := range raw {
			mm, ok := m.(map[string]any)
			if !ok {
				return nil, fault.New(fault.KindValidation, "messages entries must be objects")
			}
			role, _ := mm["role"].(string)
			content, _ := mm["content"].(string)
			messages = append(messages, model.Message{Role: role, Content: content})
		}
	}
	if prompt, ok := req.Config["prompt"].(string); ok && prompt != "" {
		messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})
	}
	if len(messages) == 0 {
		return nil, fault.New(fault.KindValidation, "llm node requires a prompt or messages")
	}

	mreq := model.Request{Messages: messages}
	if m, ok := req.Config["model"].(string); ok {
		mreq.Model = m
	}
	if t, ok := req.Config["temperature"].(float64); ok {
		mreq.Temperature = float32(t)
	}
	if mt, ok := req.Config["maxTokens"].(float64); ok {
		mreq.MaxTokens = int(mt)
	}
	resp, err := client.Complete(ctx, mreq)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"text":        resp.Text,
		"model":       resp.Model,
		"stop_reason": resp.StopReason,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}, nil
}
