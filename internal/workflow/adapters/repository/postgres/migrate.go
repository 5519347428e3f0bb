package postgres

import (
	"context"
	"fmt"

	"github.com/arachne-ai/arachne/internal/platform/database"
)

// Migrate creates the orchestration tables when they do not exist yet.
// The service owns its schema; there is no external migration step.
func Migrate(ctx context.Context, db *database.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orchestration.workflow_definitions (
			workflow_id     TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			version         TEXT NOT NULL DEFAULT '',
			tags            TEXT[] NOT NULL DEFAULT '{}',
			timeout_seconds BIGINT NOT NULL DEFAULT 0,
			nodes           JSONB NOT NULL,
			edges           JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS orchestration.execution_audit (
			execution_id    TEXT PRIMARY KEY,
			workflow_id     TEXT NOT NULL,
			status          TEXT NOT NULL,
			error           TEXT,
			initiated_by    TEXT NOT NULL DEFAULT '',
			priority        INT NOT NULL DEFAULT 3,
			completed_nodes INT,
			failed_nodes    INT,
			started_at      TIMESTAMPTZ NOT NULL,
			completed_at    TIMESTAMPTZ,
			duration_ms     BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS execution_audit_workflow_idx
			ON orchestration.execution_audit (workflow_id, started_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}
