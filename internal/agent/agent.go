// Package agent defines the capability handlers the engine dispatches
// task nodes to, and the registry that maps agent types to them.
package agent

import (
	"context"

	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// WorkflowContext tells an agent which node of which run invoked it.
type WorkflowContext struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	NodeID      string                 `json:"node_id"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
}

// Task is one unit of work handed to an agent. Agents must treat
// Parameters as read-only.
type Task struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Context     WorkflowContext        `json:"workflow_context"`
}

// Agent handles tasks for one agent type. ProcessTask may block; the
// engine enforces node timeouts through ctx. Implementations must be safe
// for concurrent calls, the engine runs parallel nodes against the same
// agent.
type Agent interface {
	ProcessTask(ctx context.Context, task Task) (*model.TaskResult, error)
}

// Func adapts a plain function to the Agent interface.
type Func func(ctx context.Context, task Task) (*model.TaskResult, error)

// ProcessTask calls f.
func (f Func) ProcessTask(ctx context.Context, task Task) (*model.TaskResult, error) {
	return f(ctx, task)
}
