package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
)

// WorkflowRepository handles workflow definition database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const selectWorkflowSQL = `
	SELECT
		name
	  , description
	  , events
	  , steps
	  , registered_at
	FROM workflow_definitions
`

// GetAll returns all workflow definitions ordered by name.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, selectWorkflowSQL+" ORDER BY name")
	if err != nil {
		return nil, persistence.NewStoreError("GetAll", "workflow", "", fmt.Errorf("failed to query workflows: %w", err))
	}

	defer closeRows(ctx, r.logger, rows)

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, persistence.NewStoreError("GetAll", "workflow", "", err)
		}

		definitions = append(definitions, definition)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewStoreError("GetAll", "workflow", "", fmt.Errorf("error iterating workflows: %w", err))
	}

	return definitions, nil
}

func (r *WorkflowRepository) GetByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, selectWorkflowSQL+" WHERE name = $1", name)

	definition, err := r.scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByName", "workflow", name, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewStoreError("GetByName", "workflow", name, err)
	}

	return definition, nil
}

// Save upserts a workflow definition.
func (r *WorkflowRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	if definition.RegisteredAt.IsZero() {
		definition.RegisteredAt = time.Now().UTC()
	}

	events, err := json.Marshal(definition.Events)
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", definition.Name, fmt.Errorf("failed to marshal events: %w", err))
	}

	steps, err := json.Marshal(definition.Steps)
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", definition.Name, fmt.Errorf("failed to marshal steps: %w", err))
	}

	query := `
		INSERT INTO workflow_definitions (name, description, events, steps, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			events = EXCLUDED.events,
			steps = EXCLUDED.steps,
			registered_at = EXCLUDED.registered_at
	`

	_, err = r.db.ExecContext(ctx, query,
		definition.Name, definition.Description, events, steps, definition.RegisteredAt)
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", definition.Name, fmt.Errorf("failed to save workflow: %w", err))
	}

	return nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflow_definitions WHERE name = $1", name)
	if err != nil {
		return persistence.NewStoreError("Delete", "workflow", name, fmt.Errorf("failed to delete workflow: %w", err))
	}

	return requireAffected(result, "Delete", "workflow", name, persistence.ErrWorkflowNotFound)
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.WorkflowDefinition, error) {
	var (
		definition    models.WorkflowDefinition
		events, steps []byte
	)

	err := row.Scan(&definition.Name, &definition.Description, &events, &steps, &definition.RegisteredAt)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(events, &definition.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}

	err = json.Unmarshal(steps, &definition.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	definition.RegisteredAt = definition.RegisteredAt.UTC()

	return &definition, nil
}

func requireAffected(result sql.Result, op, kind, key string, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError(op, kind, key, err)
	}

	if affected == 0 {
		return persistence.NewStoreError(op, kind, key, notFound)
	}

	return nil
}
