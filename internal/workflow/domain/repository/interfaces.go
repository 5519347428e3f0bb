package repository

import (
	"context"
	"time"

	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// DefinitionRepository persists workflow definitions. The engine keeps its
// own in-memory registry; this store is the durable catalog behind it.
type DefinitionRepository interface {
	// Save inserts a definition. A second save of the same workflow_id
	// returns ErrDuplicateID.
	Save(ctx context.Context, def *model.WorkflowDefinition) error

	// FindByID loads one definition.
	FindByID(ctx context.Context, workflowID string) (*model.WorkflowDefinition, error)

	// List pages through stored definitions, newest first.
	List(ctx context.Context, offset, limit int) ([]*model.WorkflowDefinition, error)

	// Delete removes a definition.
	Delete(ctx context.Context, workflowID string) error

	// Count returns the number of stored definitions.
	Count(ctx context.Context) (int64, error)
}

// ExecutionRecord is the audit row written for every run. It is a flat
// summary, not a resumable state; live executions never restore from it.
type ExecutionRecord struct {
	ExecutionID    string
	WorkflowID     string
	Status         model.ExecutionStatus
	Error          string
	InitiatedBy    string
	Priority       int
	CompletedNodes int
	FailedNodes    int
	StartedAt      time.Time
	CompletedAt    time.Time
	Duration       time.Duration
}

// ExecutionAuditRepository records execution outcomes for offline review.
type ExecutionAuditRepository interface {
	// RecordStart inserts the row when a run leaves the queue.
	RecordStart(ctx context.Context, record *ExecutionRecord) error

	// RecordCompletion writes the terminal outcome. It must succeed even
	// when no start row exists; runs can be cancelled while still queued.
	RecordCompletion(ctx context.Context, record *ExecutionRecord) error

	// ListRecent returns the latest runs of one workflow, newest first.
	ListRecent(ctx context.Context, workflowID string, limit int) ([]*ExecutionRecord, error)
}
