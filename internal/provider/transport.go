package provider

import (
	"context"

	"github.com/arachne-ai/arachne/internal/platform/config"
)

// Request is one generation request, independent of any provider family.
type Request struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`   // 0 = provider default
	Temperature  float32 `json:"temperature,omitempty"`  // 0 = provider default
}

// Result is what a transport hands back on success. Raw is kept for
// callers that need the family-specific response; the manager only reads
// Content and TokensUsed.
type Result struct {
	Content    string
	TokensUsed int
	Raw        interface{}
}

// Transport sends a request to one backend of its family. The ctx carries
// the per-provider timeout; implementations must abandon the call when it
// fires. Rate limits must surface as a RateLimitError so the manager can
// apply the cool-down.
type Transport interface {
	Send(ctx context.Context, backend config.ProviderConfig, req Request) (*Result, error)
}
