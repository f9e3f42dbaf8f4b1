package openai

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/model"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestCompleteMapsRequestAndResponse(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		Model: "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hi"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 7, CompletionTokens: 2},
	}}
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages:    []model.Message{{Role: model.RoleUser, Content: "hello"}},
		Temperature: 0.2,
		MaxTokens:   64,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 7, resp.Usage.InputTokens)

	assert.Equal(t, "gpt-4o-mini", chat.req.Model)
	assert.Equal(t, float32(0.2), chat.req.Temperature)
	assert.Equal(t, 64, chat.req.MaxTokens)
}

func TestCompleteClassifiesAPIErrors(t *testing.T) {
	chat := &fakeChat{err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}}
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))
	assert.True(t, fault.IsRetryable(err))
}

func TestCompleteRequiresMessages(t *testing.T) {
	c, err := New(Options{Client: &fakeChat{}, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
