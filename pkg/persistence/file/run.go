package file

import (
	"context"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
)

// RunRepository handles workflow run file operations.
type RunRepository struct {
	store *jsonStore[models.WorkflowRun]
}

// NewRunRepository creates a new run repository.
func NewRunRepository(root string) *RunRepository {
	return &RunRepository{store: newJSONStore[models.WorkflowRun](root, "runs", "run")}
}

func (rr *RunRepository) Save(_ context.Context, run *models.WorkflowRun) error {
	return rr.store.put("Save", run.ID, run)
}

func (rr *RunRepository) GetByID(_ context.Context, id string) (*models.WorkflowRun, error) {
	return rr.store.get("GetByID", id, persistence.ErrRunNotFound)
}

// List loads every run and filters in memory; the file provider is meant for single-host use.
func (rr *RunRepository) List(_ context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	runs, err := rr.store.all("List")
	if err != nil {
		return nil, err
	}

	return persistence.FilterRuns(runs, opts), nil
}
