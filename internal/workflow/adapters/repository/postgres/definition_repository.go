package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/arachne-ai/arachne/internal/platform/database"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
	"github.com/arachne-ai/arachne/internal/workflow/domain/repository"
)

// DefinitionRepository stores workflow definitions in PostgreSQL with the
// graph serialized into JSONB columns.
type DefinitionRepository struct {
	db *database.DB
}

// NewDefinitionRepository creates a PostgreSQL definition repository.
func NewDefinitionRepository(db *database.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

// Save inserts a definition.
func (r *DefinitionRepository) Save(ctx context.Context, def *model.WorkflowDefinition) error {
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("failed to serialize nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("failed to serialize edges: %w", err)
	}

	query := `
		INSERT INTO orchestration.workflow_definitions (
			workflow_id, name, description, version, tags,
			timeout_seconds, nodes, edges, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		def.WorkflowID,
		def.Name,
		def.Description,
		def.Version,
		pq.Array(def.Tags),
		int64(def.Timeout/time.Second),
		nodesJSON,
		edgesJSON,
		time.Now().UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return repository.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert workflow definition: %w", err)
	}

	return nil
}

// FindByID loads one definition.
func (r *DefinitionRepository) FindByID(ctx context.Context, workflowID string) (*model.WorkflowDefinition, error) {
	query := `
		SELECT workflow_id, name, description, version, tags,
		       timeout_seconds, nodes, edges
		FROM orchestration.workflow_definitions
		WHERE workflow_id = $1
	`

	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, workflowID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query workflow definition: %w", err)
	}
	return def, nil
}

// List pages through stored definitions, newest first.
func (r *DefinitionRepository) List(ctx context.Context, offset, limit int) ([]*model.WorkflowDefinition, error) {
	query := `
		SELECT workflow_id, name, description, version, tags,
		       timeout_seconds, nodes, edges
		FROM orchestration.workflow_definitions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow definitions: %w", err)
	}

	return defs, nil
}

// Delete removes a definition.
func (r *DefinitionRepository) Delete(ctx context.Context, workflowID string) error {
	query := `
		DELETE FROM orchestration.workflow_definitions
		WHERE workflow_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow definition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// Count returns the number of stored definitions.
func (r *DefinitionRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orchestration.workflow_definitions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workflow definitions: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row rowScanner) (*model.WorkflowDefinition, error) {
	var (
		def            model.WorkflowDefinition
		tags           pq.StringArray
		timeoutSeconds int64
		nodesJSON      []byte
		edgesJSON      []byte
	)

	if err := row.Scan(
		&def.WorkflowID,
		&def.Name,
		&def.Description,
		&def.Version,
		&tags,
		&timeoutSeconds,
		&nodesJSON,
		&edgesJSON,
	); err != nil {
		return nil, err
	}

	def.Tags = tags
	def.Timeout = time.Duration(timeoutSeconds) * time.Second
	if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
		return nil, fmt.Errorf("failed to deserialize nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &def.Edges); err != nil {
		return nil, fmt.Errorf("failed to deserialize edges: %w", err)
	}
	def.Normalize()

	return &def, nil
}
