// Package llm bridges TASK nodes to the provider fallback manager: an
// agent whose tasks are remote generation calls. Node parameters carry
// the prompt; the manager picks the backend and absorbs failures.
package llm

import (
	"context"
	"fmt"

	"github.com/arachne-ai/arachne/internal/agent"
	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/provider"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// AgentType is the capability name the agent is registered under.
const AgentType = "llm"

// Generator is the slice of the provider manager the agent consumes.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (*provider.GenerateResponse, error)
}

// Agent turns task parameters into generation requests.
type Agent struct {
	gen Generator
	log logger.Logger
}

// Option configures the agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(log logger.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// New creates an agent backed by gen.
func New(gen Generator, opts ...Option) *Agent {
	a := &Agent{gen: gen, log: logger.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ProcessTask sends the task's prompt through the fallback chain. The
// node deadline arrives via ctx; the manager stops between attempts once
// it fires.
func (a *Agent) ProcessTask(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
	req, err := requestFromTask(task)
	if err != nil {
		return nil, err
	}

	resp, err := a.gen.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	a.log.Debug("generation completed",
		"execution_id", task.Context.ExecutionID,
		"node_id", task.Context.NodeID,
		"provider_id", resp.ProviderID,
		"attempts", resp.Attempts)

	return &model.TaskResult{
		Success: true,
		Payload: map[string]interface{}{
			"content":               resp.Content,
			"provider_id":           resp.ProviderID,
			"provider_name":         resp.ProviderName,
			"model":                 resp.Model,
			"tokens_used":           resp.TokensUsed,
			"attempts":              resp.Attempts,
			"response_time_seconds": resp.ResponseTime.Seconds(),
		},
	}, nil
}

func requestFromTask(task agent.Task) (provider.Request, error) {
	prompt, _ := task.Parameters["prompt"].(string)
	if prompt == "" {
		prompt = task.Description
	}
	if prompt == "" {
		return provider.Request{}, fmt.Errorf("task %s: missing parameters.prompt", task.ID)
	}

	req := provider.Request{Prompt: prompt}
	if system, ok := task.Parameters["system_prompt"].(string); ok {
		req.SystemPrompt = system
	}
	if v, ok := numeric(task.Parameters["max_tokens"]); ok {
		req.MaxTokens = int(v)
	}
	if v, ok := numeric(task.Parameters["temperature"]); ok {
		req.Temperature = float32(v)
	}
	return req, nil
}

// numeric tolerates the types JSON and YAML decoders produce for numbers.
func numeric(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
