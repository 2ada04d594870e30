package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
)

// RunRepository handles workflow run database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const selectRunSQL = `
	SELECT
		id
	  , workflow_name
	  , event
	  , status
	  , step_results
	  , started_at
	  , finished_at
	  , error
	FROM workflow_runs
`

// Save upserts a run.
func (r *RunRepository) Save(ctx context.Context, run *models.WorkflowRun) error {
	results := run.StepResults
	if results == nil {
		results = []models.StepResult{}
	}

	stepResults, err := json.Marshal(results)
	if err != nil {
		return persistence.NewStoreError("Save", "run", run.ID, fmt.Errorf("failed to marshal step results: %w", err))
	}

	query := `
		INSERT INTO workflow_runs (id, workflow_name, event, status, step_results, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			step_results = EXCLUDED.step_results,
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID, run.WorkflowName, run.Event, string(run.Status), stepResults, run.StartedAt, run.FinishedAt, run.Error)
	if err != nil {
		return persistence.NewStoreError("Save", "run", run.ID, fmt.Errorf("failed to save run: %w", err))
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	run, err := r.scanRun(r.db.QueryRowContext(ctx, selectRunSQL+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "run", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "run", id, err)
	}

	return run, nil
}

// List filters and orders in SQL.
func (r *RunRepository) List(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	var (
		conditions []string
		args       []any
	)

	if opts.WorkflowName != "" {
		args = append(args, opts.WorkflowName)
		conditions = append(conditions, "workflow_name = $"+strconv.Itoa(len(args)))
	}

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))

		for _, status := range opts.Statuses {
			args = append(args, string(status))
			placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
		}

		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := selectRunSQL
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY started_at DESC, id DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError("List", "run", "", fmt.Errorf("failed to query runs: %w", err))
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.WorkflowRun, 0)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, persistence.NewStoreError("List", "run", "", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewStoreError("List", "run", "", fmt.Errorf("error iterating runs: %w", err))
	}

	return runs, nil
}

func (r *RunRepository) scanRun(row scanner) (*models.WorkflowRun, error) {
	var (
		run         models.WorkflowRun
		status      string
		stepResults []byte
		finishedAt  sql.NullTime
	)

	err := row.Scan(&run.ID, &run.WorkflowName, &run.Event, &status, &stepResults, &run.StartedAt, &finishedAt, &run.Error)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(stepResults, &run.StepResults)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
	}

	run.Status = models.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()

	if finishedAt.Valid {
		finished := finishedAt.Time.UTC()
		run.FinishedAt = &finished
	}

	return &run, nil
}
