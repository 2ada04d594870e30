package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/services"
)

// Tracker is the durable record of run state. It enforces the run state machine:
// statuses only move forward and terminal runs never change.
type Tracker struct {
	mu     sync.Mutex
	store  persistence.RunRepository
	logger *slog.Logger
}

func NewTracker(logger *slog.Logger, store persistence.RunRepository) *Tracker {
	return &Tracker{store: store, logger: logger.With("module", "run_tracker")}
}

// Persist records run. A new run must be Pending; an existing one may keep its
// status (to append step results) or make a legal forward transition.
func (t *Tracker) Persist(ctx context.Context, run *models.WorkflowRun) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous, err := t.store.GetByID(ctx, run.ID)

	switch {
	case persistence.IsRunNotFound(err):
		if run.Status != models.RunStatusPending {
			return &services.ServiceError{
				Op:      "Persist",
				Code:    "invalid_transition",
				Message: fmt.Sprintf("new run %s must start pending, got %s", run.ID, run.Status),
				Err:     services.ErrInvalidTransition,
			}
		}
	case err != nil:
		return services.NewIOError("Persist", err)
	case previous.Status.IsTerminal():
		return &services.ServiceError{
			Op:      "Persist",
			Code:    "run_terminal",
			Message: fmt.Sprintf("run %s is %s and can no longer change", run.ID, previous.Status),
			Err:     services.ErrInvalidTransition,
		}
	case previous.Status != run.Status && !previous.Status.CanTransitionTo(run.Status):
		return &services.ServiceError{
			Op:      "Persist",
			Code:    "invalid_transition",
			Message: fmt.Sprintf("run %s cannot move from %s to %s", run.ID, previous.Status, run.Status),
			Err:     services.ErrInvalidTransition,
		}
	}

	err = t.store.Save(ctx, run.Clone())
	if err != nil {
		return services.NewIOError("Persist", err)
	}

	return nil
}

// Get returns the stored snapshot of a run.
func (t *Tracker) Get(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	run, err := t.store.GetByID(ctx, runID)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return nil, services.NewNotFoundError("GetRun", "run", runID)
		}

		return nil, services.NewIOError("GetRun", err)
	}

	return run, nil
}

func (t *Tracker) List(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	runs, err := t.store.List(ctx, opts)
	if err != nil {
		return nil, services.NewIOError("ListRuns", err)
	}

	return runs, nil
}

// RecoverOrphans marks runs left pending or running by a previous process as cancelled.
// It must run before the process dispatches anything.
func (t *Tracker) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := t.List(ctx, persistence.ListRunsOptions{
		Statuses: []models.RunStatus{models.RunStatusPending, models.RunStatusRunning},
	})
	if err != nil {
		return 0, err
	}

	for _, run := range orphans {
		MarkCancelled(run, "process exited before the run finished", nil)

		err := t.Persist(ctx, run)
		if err != nil {
			return 0, err
		}

		t.logger.WarnContext(ctx, "marked orphaned run cancelled", "run_id", run.ID, "workflow", run.WorkflowName)
	}

	return len(orphans), nil
}

// MarkCancelled moves run to Cancelled and records every step in remaining as skipped.
func MarkCancelled(run *models.WorkflowRun, reason string, remaining []models.Step) {
	for _, step := range remaining {
		run.StepResults = append(run.StepResults, models.StepResult{StepName: step.Name, Outcome: models.StepOutcomeSkipped})
	}

	finished := time.Now().UTC()
	run.Status = models.RunStatusCancelled
	run.FinishedAt = &finished
	run.Error = reason
}
