package file_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/persistence/file"
	"github.com/dukex/repokeeper/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence(t *testing.T) {
	persistencetest.Run(t, file.NewPersistence(t.TempDir()))
}

func TestNewPersistence_StripsScheme(t *testing.T) {
	root := t.TempDir()
	p := file.NewPersistence("file://" + root)

	require.NoError(t, p.WorkflowRepository().Save(context.Background(), &models.WorkflowDefinition{
		Name:   "ci",
		Events: []string{"push"},
	}))

	_, err := os.Stat(filepath.Join(root, "workflows", "ci.json"))
	assert.NoError(t, err)
}

func TestPersistence_RejectsTraversalKeys(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	ctx := context.Background()

	_, err := p.RunRepository().GetByID(ctx, "../../etc/passwd")
	require.ErrorIs(t, err, persistence.ErrInvalidKey)

	err = p.BackupRepository().Save(ctx, &models.BackupRecord{ID: "a/b"})
	require.ErrorIs(t, err, persistence.ErrInvalidKey)
}

func TestPersistence_IgnoresTemporaryFiles(t *testing.T) {
	root := t.TempDir()
	p := file.NewPersistence(root)
	ctx := context.Background()

	require.NoError(t, p.ScheduleRepository().Save(ctx, &models.BackupSchedule{ID: "nightly"}))
	require.NoError(t, os.WriteFile(filepath.Join(root, "schedules", ".nightly.123.tmp"), []byte("{"), 0o600))

	all, err := p.ScheduleRepository().GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunRepository_ConcurrentSaves(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			run := &models.WorkflowRun{ID: "run", Status: models.RunStatusRunning, StepResults: make([]models.StepResult, i)}
			assert.NoError(t, p.RunRepository().Save(ctx, run))
		}()
	}

	wg.Wait()

	run, err := p.RunRepository().GetByID(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
}
