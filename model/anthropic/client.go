// Package anthropic provides a model.Client backed by the Anthropic Messages
// API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/model"
)

// defaultMaxTokens caps completions when neither the request nor the options
// specify a budget; the Messages API requires an explicit value.
const defaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. It is satisfied by *sdk.MessageService so tests can pass a
	// mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is used when Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens is the default completion cap when a request does not
		// specify one. Zero falls back to defaultMaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a Messages.New request and flattens the text blocks of the
// response. System turns are hoisted into the request's system prompt.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, fault.New(fault.KindValidation, "messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	var (
		system       []sdk.TextBlockParam
		conversation []sdk.MessageParam
	)
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTok),
		Messages:  conversation,
		System:    system,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, classify(err)
	}
	if msg == nil {
		return model.Response{}, fault.New(fault.KindServer, "anthropic returned no message")
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return model.Response{
		Text:       text,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return fault.Wrap(model.ClassifyStatus(apiErr.StatusCode), err, "anthropic messages.new")
	}
	return fault.Wrap(fault.KindNetwork, err, "anthropic messages.new")
}
