package workflow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence/file"
	"github.com/dukex/repokeeper/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	return NewTracker(slog.New(slog.DiscardHandler), file.NewPersistence(t.TempDir()).RunRepository())
}

func pendingRun(id string) *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:           id,
		WorkflowName: "ci",
		Event:        "push",
		Status:       models.RunStatusPending,
		StartedAt:    time.Now().UTC(),
	}
}

func TestTracker_ForwardTransitions(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t)
	run := pendingRun("run-1")

	require.NoError(t, tracker.Persist(ctx, run))

	run.Status = models.RunStatusRunning
	require.NoError(t, tracker.Persist(ctx, run))

	run.StepResults = append(run.StepResults, models.StepResult{StepName: "a", Outcome: models.StepOutcomeSucceeded})
	require.NoError(t, tracker.Persist(ctx, run))

	run.Status = models.RunStatusSucceeded
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	require.NoError(t, tracker.Persist(ctx, run))

	stored, err := tracker.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	assert.Len(t, stored.StepResults, 1)
}

func TestTracker_RejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("new run must be pending", func(t *testing.T) {
		tracker := newTestTracker(t)
		run := pendingRun("run-1")
		run.Status = models.RunStatusRunning

		err := tracker.Persist(ctx, run)
		assert.ErrorIs(t, err, services.ErrInvalidTransition)
	})

	t.Run("pending cannot jump to succeeded", func(t *testing.T) {
		tracker := newTestTracker(t)
		run := pendingRun("run-1")
		require.NoError(t, tracker.Persist(ctx, run))

		run.Status = models.RunStatusSucceeded
		assert.ErrorIs(t, tracker.Persist(ctx, run), services.ErrInvalidTransition)
	})

	t.Run("terminal runs are immutable", func(t *testing.T) {
		tracker := newTestTracker(t)
		run := pendingRun("run-1")
		require.NoError(t, tracker.Persist(ctx, run))

		run.Status = models.RunStatusCancelled
		require.NoError(t, tracker.Persist(ctx, run))

		run.Error = "changed afterwards"
		assert.ErrorIs(t, tracker.Persist(ctx, run), services.ErrInvalidTransition)

		stored, err := tracker.Get(ctx, "run-1")
		require.NoError(t, err)
		assert.Empty(t, stored.Error)
	})
}

func TestTracker_GetUnknownRun(t *testing.T) {
	_, err := newTestTracker(t).Get(context.Background(), "missing")
	assert.True(t, services.IsNotFound(err))
}

func TestTracker_GetTerminalRunIsStable(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t)
	run := pendingRun("run-1")
	require.NoError(t, tracker.Persist(ctx, run))

	run.Status = models.RunStatusRunning
	require.NoError(t, tracker.Persist(ctx, run))

	code := 1
	finished := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.FinishedAt = &finished
	run.StepResults = []models.StepResult{{StepName: "a", Outcome: models.StepOutcomeFailed, ExitCode: &code, Output: "x"}}
	require.NoError(t, tracker.Persist(ctx, run))

	first, err := tracker.Get(ctx, "run-1")
	require.NoError(t, err)

	first.StepResults[0].Output = "mutated by caller"

	for range 3 {
		again, err := tracker.Get(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "x", again.StepResults[0].Output)
		assert.Equal(t, models.RunStatusFailed, again.Status)
	}

	a, err := tracker.Get(ctx, "run-1")
	require.NoError(t, err)
	b, err := tracker.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTracker_RecoverOrphans(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t)

	pending := pendingRun("pending")
	require.NoError(t, tracker.Persist(ctx, pending))

	running := pendingRun("running")
	require.NoError(t, tracker.Persist(ctx, running))
	running.Status = models.RunStatusRunning
	require.NoError(t, tracker.Persist(ctx, running))

	done := pendingRun("done")
	require.NoError(t, tracker.Persist(ctx, done))
	done.Status = models.RunStatusCancelled
	require.NoError(t, tracker.Persist(ctx, done))

	count, err := tracker.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{"pending", "running"} {
		run, err := tracker.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCancelled, run.Status)
		assert.NotNil(t, run.FinishedAt)
	}
}
