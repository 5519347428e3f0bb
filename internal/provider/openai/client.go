// Package openai adapts OpenAI-compatible chat backends to the provider
// transport. It translates generation requests into ChatCompletion calls
// using github.com/sashabaranov/go-openai and maps rate-limit responses to
// the error type the fallback manager keys its cool-down on. Any backend
// exposing the OpenAI wire format (including self-hosted gateways behind a
// custom base URL) can be driven through this transport.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/provider"
)

// ChatClient captures the subset of the go-openai client the transport
// uses. Tests substitute it to script responses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// ClientFactory builds the ChatClient for one configured backend.
type ClientFactory func(backend config.ProviderConfig) (ChatClient, error)

// Transport implements provider.Transport over the OpenAI chat API. One
// underlying client is built per backend and reused across requests.
type Transport struct {
	mu      sync.Mutex
	clients map[string]ChatClient
	factory ClientFactory
}

// Option customizes a Transport.
type Option func(*Transport)

// WithClientFactory replaces how per-backend clients are constructed.
func WithClientFactory(f ClientFactory) Option {
	return func(t *Transport) { t.factory = f }
}

// New builds the transport with the default go-openai HTTP client.
func New(opts ...Option) *Transport {
	t := &Transport{
		clients: make(map[string]ChatClient),
		factory: newChatClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// newChatClient reads the API key from the environment variable named in
// the backend config and honors a custom base URL when set.
func newChatClient(backend config.ProviderConfig) (ChatClient, error) {
	key := os.Getenv(backend.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("provider %s: environment variable %s is empty", backend.ID, backend.APIKeyEnv)
	}
	cfg := openai.DefaultConfig(key)
	if backend.BaseURL != "" {
		cfg.BaseURL = backend.BaseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

func (t *Transport) clientFor(backend config.ProviderConfig) (ChatClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[backend.ID]; ok {
		return c, nil
	}
	c, err := t.factory(backend)
	if err != nil {
		return nil, err
	}
	t.clients[backend.ID] = c
	return c, nil
}

// Send performs one chat completion against the given backend. Request
// fields left at zero fall back to the backend's configured defaults.
func (t *Transport) Send(ctx context.Context, backend config.ProviderConfig, req provider.Request) (*provider.Result, error) {
	client, err := t.clientFor(backend)
	if err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = backend.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = backend.Temperature
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       backend.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("backend %s returned no choices", backend.ID)
	}

	return &provider.Result{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Raw:        resp,
	}, nil
}

// mapError surfaces HTTP 429 as a RateLimitError so the manager starts the
// cool-down clock; everything else passes through unchanged.
func mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &provider.RateLimitError{Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &provider.RateLimitError{Message: reqErr.Error()}
	}
	return err
}
