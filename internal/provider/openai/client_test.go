package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/provider"
)

type fakeChat struct {
	requests []openai.ChatCompletionRequest
	respond  func(openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	return f.respond(req)
}

func okResponse(content string, tokens int) func(openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return func(openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
			},
			Usage: openai.Usage{TotalTokens: tokens},
		}, nil
	}
}

func testBackend() config.ProviderConfig {
	return config.ProviderConfig{
		ID:          "openai-main",
		Name:        "OpenAI",
		Kind:        "openai",
		Model:       "gpt-4o-mini",
		Priority:    1,
		Timeout:     30 * time.Second,
		MaxTokens:   512,
		Temperature: 0.2,
	}
}

func fixedFactory(chat ChatClient) ClientFactory {
	return func(config.ProviderConfig) (ChatClient, error) { return chat, nil }
}

func TestSendBuildsChatRequest(t *testing.T) {
	chat := &fakeChat{respond: okResponse("hello", 42)}
	tr := New(WithClientFactory(fixedFactory(chat)))

	res, err := tr.Send(context.Background(), testBackend(), provider.Request{
		Prompt:       "what is the plan",
		SystemPrompt: "you are terse",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 42, res.TokensUsed)

	require.Len(t, chat.requests, 1)
	req := chat.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "you are terse", req.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	assert.Equal(t, "what is the plan", req.Messages[1].Content)

	// Zero request options inherit the backend defaults.
	assert.Equal(t, 512, req.MaxTokens)
	assert.InDelta(t, 0.2, float64(req.Temperature), 1e-6)
}

func TestSendRequestOptionsOverrideBackend(t *testing.T) {
	chat := &fakeChat{respond: okResponse("x", 1)}
	tr := New(WithClientFactory(fixedFactory(chat)))

	_, err := tr.Send(context.Background(), testBackend(), provider.Request{
		Prompt:      "q",
		MaxTokens:   64,
		Temperature: 0.9,
	})
	require.NoError(t, err)

	require.Len(t, chat.requests, 1)
	assert.Equal(t, 64, chat.requests[0].MaxTokens)
	assert.InDelta(t, 0.9, float64(chat.requests[0].Temperature), 1e-6)
}

func TestSendOmitsSystemMessageWhenEmpty(t *testing.T) {
	chat := &fakeChat{respond: okResponse("x", 1)}
	tr := New(WithClientFactory(fixedFactory(chat)))

	_, err := tr.Send(context.Background(), testBackend(), provider.Request{Prompt: "q"})
	require.NoError(t, err)

	require.Len(t, chat.requests, 1)
	require.Len(t, chat.requests[0].Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, chat.requests[0].Messages[0].Role)
}

func TestSendMapsRateLimits(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		isRateLimit bool
	}{
		{
			name:        "api error 429",
			err:         &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"},
			isRateLimit: true,
		},
		{
			name:        "request error 429",
			err:         &openai.RequestError{HTTPStatusCode: http.StatusTooManyRequests, Err: errors.New("too many requests")},
			isRateLimit: true,
		},
		{
			name:        "api error 500 passes through",
			err:         &openai.APIError{HTTPStatusCode: http.StatusInternalServerError, Message: "broken"},
			isRateLimit: false,
		},
		{
			name:        "plain error passes through",
			err:         errors.New("connection reset"),
			isRateLimit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChat{respond: func(openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, tt.err
			}}
			tr := New(WithClientFactory(fixedFactory(chat)))

			_, err := tr.Send(context.Background(), testBackend(), provider.Request{Prompt: "q"})
			require.Error(t, err)
			assert.Equal(t, tt.isRateLimit, provider.IsRateLimit(err))
		})
	}
}

func TestSendRejectsEmptyChoices(t *testing.T) {
	chat := &fakeChat{respond: func(openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, nil
	}}
	tr := New(WithClientFactory(fixedFactory(chat)))

	_, err := tr.Send(context.Background(), testBackend(), provider.Request{Prompt: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestClientsCachedPerBackend(t *testing.T) {
	built := 0
	chat := &fakeChat{respond: okResponse("x", 1)}
	tr := New(WithClientFactory(func(config.ProviderConfig) (ChatClient, error) {
		built++
		return chat, nil
	}))

	for i := 0; i < 3; i++ {
		_, err := tr.Send(context.Background(), testBackend(), provider.Request{Prompt: "q"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, built)
}

func TestDefaultFactoryRequiresAPIKey(t *testing.T) {
	backend := testBackend()
	backend.APIKeyEnv = "ARACHNE_TEST_OPENAI_KEY"

	t.Setenv("ARACHNE_TEST_OPENAI_KEY", "")
	_, err := newChatClient(backend)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARACHNE_TEST_OPENAI_KEY")

	t.Setenv("ARACHNE_TEST_OPENAI_KEY", "sk-test")
	client, err := newChatClient(backend)
	require.NoError(t, err)
	assert.NotNil(t, client)
}
