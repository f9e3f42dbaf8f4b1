package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/model"
)

type fakeConverse struct {
	input  *bedrockruntime.ConverseInput
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeConverse) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	return f.output, f.err
}

func TestCompleteTranslatesConverseOutput(t *testing.T) {
	fc := &fakeConverse{output: &bedrockruntime.ConverseOutput{
		StopReason: brtypes.StopReasonEndTurn,
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "answer"}},
		}},
		Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(5), OutputTokens: aws.Int32(1)},
	}}
	c, err := New(fc, Options{DefaultModel: "anthropic.claude-3-haiku"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "q"}},
		MaxTokens: 32,
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Text)
	assert.Equal(t, 5, resp.Usage.InputTokens)

	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(fc.input.ModelId))
	require.NotNil(t, fc.input.InferenceConfig)
	assert.Equal(t, int32(32), aws.ToInt32(fc.input.InferenceConfig.MaxTokens))
}

func TestCompleteClassifiesThrottling(t *testing.T) {
	fc := &fakeConverse{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	c, err := New(fc, Options{DefaultModel: "m"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "q"}},
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))
}
