// Package persistencetest holds behaviour checks shared by every persistence provider.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises every repository of p. p must start empty.
func Run(t *testing.T, p persistence.Persistence) {
	t.Helper()

	t.Run("health", func(t *testing.T) {
		require.NoError(t, p.HealthCheck(context.Background()))
	})
	t.Run("workflows", func(t *testing.T) { testWorkflows(t, p.WorkflowRepository()) })
	t.Run("runs", func(t *testing.T) { testRuns(t, p.RunRepository()) })
	t.Run("backups", func(t *testing.T) { testBackups(t, p.BackupRepository()) })
	t.Run("schedules", func(t *testing.T) { testSchedules(t, p.ScheduleRepository()) })
}

func testWorkflows(t *testing.T, repo persistence.WorkflowRepository) {
	t.Helper()

	ctx := context.Background()

	_, err := repo.GetByName(ctx, "ci")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	definition := testutil.CreateTestWorkflow(testutil.WithTimedStep("test", "push", "make test", 30))
	require.NoError(t, repo.Save(ctx, definition))
	require.NoError(t, repo.Save(ctx, testutil.CreateTestWorkflow(
		testutil.WithWorkflowName("audit"),
		testutil.WithEvents("tag"),
	)))

	loaded, err := repo.GetByName(ctx, "ci")
	require.NoError(t, err)
	assert.True(t, definition.SameAs(loaded))
	assert.False(t, loaded.RegisteredAt.IsZero())

	definition.Description = "tests and lint"
	require.NoError(t, repo.Save(ctx, definition))

	loaded, err = repo.GetByName(ctx, "ci")
	require.NoError(t, err)
	assert.Equal(t, "tests and lint", loaded.Description)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "audit", all[0].Name)
	assert.Equal(t, "ci", all[1].Name)

	require.NoError(t, repo.Delete(ctx, "audit"))
	require.ErrorIs(t, repo.Delete(ctx, "audit"), persistence.ErrWorkflowNotFound)
}

func testRuns(t *testing.T, repo persistence.RunRepository) {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)

	code := 1
	finished := base.Add(2 * time.Second)
	failed := &models.WorkflowRun{
		ID:           "run-1",
		WorkflowName: "ci",
		Event:        "push",
		Status:       models.RunStatusFailed,
		StartedAt:    base,
		FinishedAt:   &finished,
		StepResults: []models.StepResult{
			{StepName: "test", Outcome: models.StepOutcomeFailed, ExitCode: &code, Output: "boom\n", Duration: time.Second},
			{StepName: "deploy", Outcome: models.StepOutcomeSkipped},
		},
	}
	require.NoError(t, repo.Save(ctx, failed))
	require.NoError(t, repo.Save(ctx, testutil.CreateTestRun(
		testutil.WithRunID("run-2"),
		testutil.WithRunStartedAt(base.Add(time.Minute)),
		testutil.WithRunStatus(models.RunStatusRunning),
	)))
	require.NoError(t, repo.Save(ctx, testutil.CreateTestRun(
		testutil.WithRunID("run-3"),
		testutil.WithRunWorkflow("docs"),
		testutil.WithRunStartedAt(base.Add(2*time.Minute)),
	)))

	loaded, err := repo.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, loaded.Status)
	require.Len(t, loaded.StepResults, 2)
	assert.Equal(t, 1, *loaded.StepResults[0].ExitCode)
	assert.Equal(t, "boom\n", loaded.StepResults[0].Output)
	assert.Equal(t, time.Second, loaded.StepResults[0].Duration)
	assert.Nil(t, loaded.StepResults[1].ExitCode)
	assert.True(t, finished.Equal(*loaded.FinishedAt))

	runs, err := repo.List(ctx, persistence.ListRunsOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-1", runs[2].ID)

	runs, err = repo.List(ctx, persistence.ListRunsOptions{WorkflowName: "ci", Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)

	runs, err = repo.List(ctx, persistence.ListRunsOptions{
		Statuses: []models.RunStatus{models.RunStatusPending, models.RunStatusRunning},
	})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func testBackups(t *testing.T, repo persistence.BackupRepository) {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	_, err := repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrBackupNotFound)

	for i, dir := range []string{"/srv/backups", "/srv/backups", "/srv/other"} {
		require.NoError(t, repo.Save(ctx, &models.BackupRecord{
			ID:         base.Add(time.Duration(i)*time.Hour).Format("20060102T150405Z") + "-0000000" + string(rune('a'+i)),
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
			SourcePath: "/srv/repo",
			StorageDir: dir,
			Location:   dir + "/archive.tar.zst",
			Size:       int64(100 + i),
			Checksum:   "sha256:" + string(rune('a'+i)),
			Excludes:   []string{"*.log"},
		}))
	}

	records, err := repo.ListByStorageDir(ctx, "/srv/backups")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].CreatedAt.After(records[1].CreatedAt))
	assert.Equal(t, []string{"*.log"}, records[0].Excludes)

	all, err := repo.ListByStorageDir(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	loaded, err := repo.GetByID(ctx, all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "/srv/other", loaded.StorageDir)
	assert.Equal(t, int64(102), loaded.Size)
	assert.Empty(t, loaded.ScheduleID)

	scheduled := testutil.CreateTestBackupRecord(testutil.WithBackupSchedule("nightly"))
	require.NoError(t, repo.Save(ctx, scheduled))

	loaded, err = repo.GetByID(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", loaded.ScheduleID)
	require.NoError(t, repo.Delete(ctx, scheduled.ID))

	require.NoError(t, repo.Delete(ctx, all[0].ID))
	require.ErrorIs(t, repo.Delete(ctx, all[0].ID), persistence.ErrBackupNotFound)
}

func testSchedules(t *testing.T, repo persistence.ScheduleRepository) {
	t.Helper()

	ctx := context.Background()

	_, err := repo.GetByID(ctx, "nightly")
	require.ErrorIs(t, err, persistence.ErrScheduleNotFound)

	schedule := testutil.CreateTestSchedule()
	require.NoError(t, repo.Save(ctx, schedule))

	ran := testutil.Epoch.Add(24 * time.Hour)
	schedule.LastRunAt = &ran
	schedule.LastAttemptAt = &ran
	schedule.LastBackupID = "b-1"
	require.NoError(t, repo.Save(ctx, schedule))

	loaded, err := repo.GetByID(ctx, "nightly")
	require.NoError(t, err)
	require.NotNil(t, loaded.LastRunAt)
	assert.True(t, ran.Equal(*loaded.LastRunAt))
	assert.Equal(t, "b-1", loaded.LastBackupID)
	assert.Equal(t, 7, loaded.RetentionDays)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, "nightly"))
	require.ErrorIs(t, repo.Delete(ctx, "nightly"), persistence.ErrScheduleNotFound)
}
