package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/arachne-ai/arachne/internal/platform/database"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
	"github.com/arachne-ai/arachne/internal/workflow/domain/repository"
)

// ExecutionRepository writes the audit trail of runs. Rows summarize
// outcomes only; the engine never reads them back into live state.
type ExecutionRepository struct {
	db *database.DB
}

// NewExecutionRepository creates a PostgreSQL execution audit repository.
func NewExecutionRepository(db *database.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// RecordStart inserts the audit row when a run leaves the queue. Start and
// completion arrive on independent goroutines; when the terminal row is
// already there this insert is a no-op.
func (r *ExecutionRepository) RecordStart(ctx context.Context, record *repository.ExecutionRecord) error {
	query := `
		INSERT INTO orchestration.execution_audit (
			execution_id, workflow_id, status, initiated_by,
			priority, started_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (execution_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ExecutionID,
		record.WorkflowID,
		string(record.Status),
		record.InitiatedBy,
		record.Priority,
		record.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution audit row: %w", err)
	}

	return nil
}

// RecordCompletion writes the terminal outcome. Runs cancelled while still
// queued never produced a start row, so this is an upsert.
func (r *ExecutionRepository) RecordCompletion(ctx context.Context, record *repository.ExecutionRecord) error {
	query := `
		INSERT INTO orchestration.execution_audit (
			execution_id, workflow_id, status, error, initiated_by,
			priority, completed_nodes, failed_nodes, started_at,
			completed_at, duration_ms
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			completed_nodes = EXCLUDED.completed_nodes,
			failed_nodes = EXCLUDED.failed_nodes,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ExecutionID,
		record.WorkflowID,
		string(record.Status),
		record.Error,
		record.InitiatedBy,
		record.Priority,
		record.CompletedNodes,
		record.FailedNodes,
		record.StartedAt.UTC(),
		record.CompletedAt.UTC(),
		record.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution audit row: %w", err)
	}

	return nil
}

// ListRecent returns the latest runs of one workflow, newest first.
func (r *ExecutionRepository) ListRecent(ctx context.Context, workflowID string, limit int) ([]*repository.ExecutionRecord, error) {
	query := `
		SELECT execution_id, workflow_id, status, COALESCE(error, ''),
		       initiated_by, priority, COALESCE(completed_nodes, 0),
		       COALESCE(failed_nodes, 0), started_at,
		       COALESCE(completed_at, started_at), COALESCE(duration_ms, 0)
		FROM orchestration.execution_audit
		WHERE workflow_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution audit rows: %w", err)
	}
	defer rows.Close()

	var records []*repository.ExecutionRecord
	for rows.Next() {
		var (
			record     repository.ExecutionRecord
			status     string
			durationMS int64
		)
		if err := rows.Scan(
			&record.ExecutionID,
			&record.WorkflowID,
			&status,
			&record.Error,
			&record.InitiatedBy,
			&record.Priority,
			&record.CompletedNodes,
			&record.FailedNodes,
			&record.StartedAt,
			&record.CompletedAt,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution audit row: %w", err)
		}
		record.Status = model.ExecutionStatus(status)
		record.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution audit rows: %w", err)
	}

	return records, nil
}
