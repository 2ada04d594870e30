// Package file provides file-based persistence for workflow definitions, runs,
// backup manifests and schedules.
package file

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dukex/repokeeper/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
// Every entity is stored as one JSON document under a per-kind directory.
type Persistence struct {
	root         string
	workflowRepo *WorkflowRepository
	runRepo      *RunRepository
	backupRepo   *BackupRepository
	scheduleRepo *ScheduleRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
// A file:// prefix is accepted and stripped.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		workflowRepo: NewWorkflowRepository(cleanRoot),
		runRepo:      NewRunRepository(cleanRoot),
		backupRepo:   NewBackupRepository(cleanRoot),
		scheduleRepo: NewScheduleRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory
// exists and is writable.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(fp.root, 0750)
	if err != nil {
		return fmt.Errorf("persistence root %s is not usable: %w", fp.root, err)
	}

	probe, err := os.CreateTemp(fp.root, ".health-*")
	if err != nil {
		return fmt.Errorf("persistence root %s is not writable: %w", fp.root, err)
	}

	_ = probe.Close()

	return os.Remove(probe.Name())
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) RunRepository() persistence.RunRepository {
	return fp.runRepo
}

func (fp *Persistence) BackupRepository() persistence.BackupRepository {
	return fp.backupRepo
}

func (fp *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return fp.scheduleRepo
}
