// Package bedrock provides a model.Client backed by the AWS Bedrock Converse
// API via the aws-sdk-go-v2 bedrockruntime client.
package bedrock

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/model"
)

type (
	// ConverseAPI is the subset of the Bedrock runtime client used by the
	// adapter. It matches *bedrockruntime.Client so tests can pass a mock.
	ConverseAPI interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when
		// Request.Model is empty. Required.
		DefaultModel string
	}

	// Client implements model.Client on top of Bedrock Converse.
	Client struct {
		runtime      ConverseAPI
		defaultModel string
	}
)

// New builds a Bedrock-backed model client.
func New(runtime ConverseAPI, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel}, nil
}

// Complete issues a Converse request and flattens the text blocks of the
// response. System turns are hoisted into the system content blocks.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, fault.New(fault.KindValidation, "messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	var (
		system       []brtypes.SystemContentBlock
		conversation []brtypes.Message
	)
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleAssistant:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: conversation,
		System:   system,
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature > 0 {
			cfg.Temperature = aws.Float32(req.Temperature)
		}
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, classify(err)
	}
	resp := model.Response{Model: modelID, StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				resp.Text += text.Value
			}
		}
	}
	if output.Usage != nil {
		resp.Usage = model.Usage{
			InputTokens:  int(aws.ToInt32(output.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
		}
	}
	return resp, nil
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fault.Wrap(fault.KindRateLimited, err, "bedrock converse")
		case "ValidationException":
			return fault.Wrap(fault.KindValidation, err, "bedrock converse")
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == http.StatusTooManyRequests {
			return fault.Wrap(fault.KindRateLimited, err, "bedrock converse")
		}
		return fault.Wrap(model.ClassifyStatus(status), err, "bedrock converse")
	}
	return fault.Wrap(fault.KindNetwork, err, "bedrock converse")
}
