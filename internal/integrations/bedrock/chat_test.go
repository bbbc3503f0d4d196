package bedrock

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"career-agent/internal/domain"
)

type fakeConverse struct {
	out *bedrockruntime.ConverseOutput
	err error
	in  *bedrockruntime.ConverseInput
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.in = in
	return f.out, f.err
}

func textOutput(parts ...string) *bedrockruntime.ConverseOutput {
	content := make([]types.ContentBlock, 0, len(parts))
	for _, p := range parts {
		content = append(content, &types.ContentBlockMemberText{Value: p})
	}
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role:    types.ConversationRoleAssistant,
			Content: content,
		}},
	}
}

func blockText(t *testing.T, b types.ContentBlock) string {
	t.Helper()
	text, ok := b.(*types.ContentBlockMemberText)
	require.True(t, ok)
	return text.Value
}

func TestNewChatClient_ValidatesAPI(t *testing.T) {
	_, err := NewChatClient(nil, DefaultInferenceParams())
	require.Error(t, err)
}

func TestChat_HappyPath(t *testing.T) {
	api := &fakeConverse{out: textOutput("Hello ", "there")}
	c, err := NewChatClient(api, DefaultInferenceParams())
	require.NoError(t, err)

	out, err := c.Chat(context.Background(), "anthropic.claude-3-haiku", []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "policy"},
		{Role: domain.RoleSystem, Content: "context"},
		{Role: domain.RoleUser, Content: "What is your state?"},
		{Role: domain.RoleAssistant, Content: "Which state?"},
		{Role: domain.RoleUser, Content: "New York"},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello there", out)

	require.Equal(t, "anthropic.claude-3-haiku", aws.ToString(api.in.ModelId))
	require.Len(t, api.in.System, 2)
	require.Len(t, api.in.Messages, 3)
	require.Equal(t, types.ConversationRoleUser, api.in.Messages[0].Role)
	require.Equal(t, types.ConversationRoleAssistant, api.in.Messages[1].Role)
	require.Equal(t, "New York", blockText(t, api.in.Messages[2].Content[0]))

	require.Equal(t, float32(0), aws.ToFloat32(api.in.InferenceConfig.Temperature))
	require.Equal(t, float32(0.999), aws.ToFloat32(api.in.InferenceConfig.TopP))
	require.Equal(t, int32(2048), aws.ToInt32(api.in.InferenceConfig.MaxTokens))
	require.NotNil(t, api.in.AdditionalModelRequestFields)
}

func TestChat_MergesConsecutiveRolesAndSkipsLeadingAssistant(t *testing.T) {
	api := &fakeConverse{out: textOutput("ok")}
	c, err := NewChatClient(api, InferenceParams{})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "m", []domain.ChatMessage{
		{Role: domain.RoleAssistant, Content: "orphan"},
		{Role: domain.RoleUser, Content: "one"},
		{Role: domain.RoleUser, Content: "two"},
		{Role: domain.RoleUser, Content: "  "},
	})
	require.NoError(t, err)
	require.Len(t, api.in.Messages, 1)
	require.Len(t, api.in.Messages[0].Content, 2)
	require.Equal(t, "one", blockText(t, api.in.Messages[0].Content[0]))
	require.Equal(t, "two", blockText(t, api.in.Messages[0].Content[1]))
	require.Nil(t, api.in.AdditionalModelRequestFields)
	require.Nil(t, api.in.InferenceConfig.MaxTokens)
}

func TestChat_Validation(t *testing.T) {
	api := &fakeConverse{out: textOutput("ok")}
	c, err := NewChatClient(api, DefaultInferenceParams())
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), " ", []domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}})
	require.Error(t, err)

	_, err = c.Chat(context.Background(), "m", []domain.ChatMessage{{Role: domain.RoleSystem, Content: "only system"}})
	require.Error(t, err)
	require.Nil(t, api.in)
}

func TestChat_Throttled(t *testing.T) {
	api := &fakeConverse{err: &types.ThrottlingException{Message: aws.String("slow down")}}
	c, err := NewChatClient(api, DefaultInferenceParams())
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "m", []domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}})
	var throttled *ThrottledError
	require.ErrorAs(t, err, &throttled)
	require.Equal(t, http.StatusTooManyRequests, throttled.HTTPStatusCode())
}

func TestChat_Errors(t *testing.T) {
	cases := []struct {
		name string
		api  *fakeConverse
	}{
		{name: "api error", api: &fakeConverse{err: errors.New("boom")}},
		{name: "nil output", api: &fakeConverse{}},
		{name: "unknown output", api: &fakeConverse{out: &bedrockruntime.ConverseOutput{}}},
		{name: "no text", api: &fakeConverse{out: textOutput()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewChatClient(tc.api, DefaultInferenceParams())
			require.NoError(t, err)
			_, err = c.Chat(context.Background(), "m", []domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}})
			require.Error(t, err)
		})
	}
}
