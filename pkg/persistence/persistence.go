// Package persistence provides the storage abstraction for workflow definitions, runs,
// backup manifests and backup schedules.
package persistence

import (
	"context"
	"slices"
	"strings"

	"github.com/dukex/repokeeper/pkg/models"
)

// Persistence groups the repositories a provider must implement.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	RunRepository() RunRepository
	BackupRepository() BackupRepository
	ScheduleRepository() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions keyed by name.
type WorkflowRepository interface {
	GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error)
	// GetByName returns ErrWorkflowNotFound when no definition exists.
	GetByName(ctx context.Context, name string) (*models.WorkflowDefinition, error)
	Save(ctx context.Context, definition *models.WorkflowDefinition) error
	// Delete returns ErrWorkflowNotFound when no definition exists.
	Delete(ctx context.Context, name string) error
}

// ListRunsOptions filters run history. Zero values mean no filter.
type ListRunsOptions struct {
	WorkflowName string
	Statuses     []models.RunStatus
	Limit        int
}

// RunRepository stores workflow runs keyed by id.
type RunRepository interface {
	Save(ctx context.Context, run *models.WorkflowRun) error
	// GetByID returns ErrRunNotFound when no run exists.
	GetByID(ctx context.Context, id string) (*models.WorkflowRun, error)
	// List returns runs ordered by start time, most recent first.
	List(ctx context.Context, opts ListRunsOptions) ([]*models.WorkflowRun, error)
}

// BackupRepository stores the manifest of committed backups.
type BackupRepository interface {
	Save(ctx context.Context, record *models.BackupRecord) error
	// GetByID returns ErrBackupNotFound when no record exists.
	GetByID(ctx context.Context, id string) (*models.BackupRecord, error)
	// ListByStorageDir returns records stored in dir, most recent first.
	// An empty dir lists every record.
	ListByStorageDir(ctx context.Context, dir string) ([]*models.BackupRecord, error)
	// Delete returns ErrBackupNotFound when no record exists.
	Delete(ctx context.Context, id string) error
}

// ScheduleRepository stores backup schedules keyed by id.
type ScheduleRepository interface {
	GetAll(ctx context.Context) ([]*models.BackupSchedule, error)
	// GetByID returns ErrScheduleNotFound when no schedule exists.
	GetByID(ctx context.Context, id string) (*models.BackupSchedule, error)
	Save(ctx context.Context, schedule *models.BackupSchedule) error
	// Delete returns ErrScheduleNotFound when no schedule exists.
	Delete(ctx context.Context, id string) error
}

// MatchesRun reports whether run passes the filters in opts, ignoring Limit.
func (opts ListRunsOptions) MatchesRun(run *models.WorkflowRun) bool {
	if opts.WorkflowName != "" && run.WorkflowName != opts.WorkflowName {
		return false
	}

	if len(opts.Statuses) == 0 {
		return true
	}

	for _, status := range opts.Statuses {
		if run.Status == status {
			return true
		}
	}

	return false
}

// FilterRuns applies opts to runs and orders the result by start time, most recent first.
// Providers without server-side filtering share it.
func FilterRuns(runs []*models.WorkflowRun, opts ListRunsOptions) []*models.WorkflowRun {
	filtered := make([]*models.WorkflowRun, 0, len(runs))

	for _, run := range runs {
		if opts.MatchesRun(run) {
			filtered = append(filtered, run)
		}
	}

	slices.SortStableFunc(filtered, func(a, b *models.WorkflowRun) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}

		return strings.Compare(b.ID, a.ID)
	})

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	return filtered
}
