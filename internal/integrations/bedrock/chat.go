// Package bedrock adapts Amazon Bedrock model invocation and knowledge-base
// retrieval to the generation pipeline.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"career-agent/internal/domain"
)

// converseAPI is the minimal Bedrock runtime interface required by ChatClient.
type converseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// InferenceParams are the sampling parameters sent with every request.
type InferenceParams struct {
	Temperature float32
	TopP        float32
	TopK        int
	MaxTokens   int32
}

// DefaultInferenceParams favors deterministic, grounded answers.
func DefaultInferenceParams() InferenceParams {
	return InferenceParams{
		Temperature: 0,
		TopP:        0.999,
		TopK:        500,
		MaxTokens:   2048,
	}
}

// ThrottledError reports that Bedrock rejected the call for rate reasons.
type ThrottledError struct {
	Err error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("bedrock: throttled: %v", e.Err)
}

func (e *ThrottledError) Unwrap() error {
	return e.Err
}

func (e *ThrottledError) HTTPStatusCode() int {
	return http.StatusTooManyRequests
}

// ChatClient calls the Bedrock Converse API.
type ChatClient struct {
	api    converseAPI
	params InferenceParams
}

// NewChatClient creates a ChatClient.
func NewChatClient(api converseAPI, params InferenceParams) (*ChatClient, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	return &ChatClient{api: api, params: params}, nil
}

// Chat sends messages to model and returns the concatenated text of the reply.
// System messages become system prompts; consecutive messages with the same
// role are merged because Converse requires strictly alternating roles.
func (c *ChatClient) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", errors.New("bedrock: model must not be empty")
	}
	system, convo := toConverse(messages)
	if len(convo) == 0 {
		return "", errors.New("bedrock: no user message to send")
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: convo,
		System:   system,
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(c.params.Temperature),
			TopP:        aws.Float32(c.params.TopP),
		},
	}
	if c.params.MaxTokens > 0 {
		in.InferenceConfig.MaxTokens = aws.Int32(c.params.MaxTokens)
	}
	if c.params.TopK > 0 {
		in.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{"top_k": c.params.TopK})
	}

	out, err := c.api.Converse(ctx, in)
	if err != nil {
		var throttled *types.ThrottlingException
		if errors.As(err, &throttled) {
			return "", fmt.Errorf("bedrock: converse: %w", &ThrottledError{Err: err})
		}
		return "", fmt.Errorf("bedrock: converse: %w", err)
	}
	if out == nil {
		return "", errors.New("bedrock: converse: empty response")
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("bedrock: converse: unexpected output %T", out.Output)
	}

	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("bedrock: converse: no text in response")
	}
	return b.String(), nil
}

func toConverse(messages []domain.ChatMessage) ([]types.SystemContentBlock, []types.Message) {
	var system []types.SystemContentBlock
	var convo []types.Message
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		var role types.ConversationRole
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		case domain.RoleAssistant:
			role = types.ConversationRoleAssistant
		default:
			role = types.ConversationRoleUser
		}
		// The conversation must open with a user turn.
		if len(convo) == 0 && role != types.ConversationRoleUser {
			continue
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(convo); n > 0 && convo[n-1].Role == role {
			convo[n-1].Content = append(convo[n-1].Content, block)
			continue
		}
		convo = append(convo, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}
	return system, convo
}
