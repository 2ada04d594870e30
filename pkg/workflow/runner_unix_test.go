//go:build !windows

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellRunner_Outcomes(t *testing.T) {
	runner := NewShellRunner(0)

	testCases := []struct {
		name     string
		command  string
		outcome  models.StepOutcome
		exitCode int
		output   string
	}{
		{"zero exit", "echo hello", models.StepOutcomeSucceeded, 0, "hello\n"},
		{"non-zero exit", "echo broken >&2; exit 3", models.StepOutcomeFailed, 3, "broken\n"},
		{"failure output does not matter", "echo ERROR; exit 0", models.StepOutcomeSucceeded, 0, "ERROR\n"},
		{"unknown command", "definitely-not-a-command-xyz", models.StepOutcomeFailed, 127, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := runner.Run(context.Background(), models.Step{Name: "s", Event: "push", Command: tc.command}, t.TempDir())

			assert.Equal(t, "s", result.StepName)
			assert.Equal(t, tc.outcome, result.Outcome)
			require.NotNil(t, result.ExitCode)
			assert.Equal(t, tc.exitCode, *result.ExitCode)

			if tc.output != "" {
				assert.Equal(t, tc.output, result.Output)
			}
		})
	}
}

func TestShellRunner_CombinesOutputStreams(t *testing.T) {
	result := NewShellRunner(0).Run(context.Background(),
		models.Step{Name: "s", Command: "echo out; echo err >&2"}, t.TempDir())

	assert.Contains(t, result.Output, "out")
	assert.Contains(t, result.Output, "err")
}

func TestShellRunner_RunsInWorkDir(t *testing.T) {
	dir := t.TempDir()

	result := NewShellRunner(0).Run(context.Background(),
		models.Step{Name: "s", Command: "touch marker"}, dir)
	require.Equal(t, models.StepOutcomeSucceeded, result.Outcome)

	_, err := os.Stat(filepath.Join(dir, "marker"))
	assert.NoError(t, err)
}

func TestShellRunner_Timeout(t *testing.T) {
	started := time.Now()

	result := NewShellRunner(0).Run(context.Background(),
		models.Step{Name: "slow", Command: "sleep 5", TimeoutSeconds: 1}, t.TempDir())

	assert.Equal(t, models.StepOutcomeTimeout, result.Outcome)
	assert.Nil(t, result.ExitCode)
	assert.Less(t, time.Since(started), 4*time.Second)
	assert.GreaterOrEqual(t, result.Duration, time.Second)
}

func TestShellRunner_TimeoutKillsChildren(t *testing.T) {
	dir := t.TempDir()

	// The background child would touch the marker after the step is gone.
	result := NewShellRunner(0).Run(context.Background(),
		models.Step{Name: "forks", Command: "(sleep 2; touch late) & sleep 5", TimeoutSeconds: 1}, dir)
	require.Equal(t, models.StepOutcomeTimeout, result.Outcome)

	time.Sleep(2 * time.Second)

	_, err := os.Stat(filepath.Join(dir, "late"))
	assert.True(t, os.IsNotExist(err))
}

func TestShellRunner_DefaultTimeout(t *testing.T) {
	result := NewShellRunner(time.Second).Run(context.Background(),
		models.Step{Name: "slow", Command: "sleep 5"}, t.TempDir())

	assert.Equal(t, models.StepOutcomeTimeout, result.Outcome)
}

func TestShellRunner_CancelIsFailureNotTimeout(t *testing.T) {
	runner := NewShellRunner(0)
	runner.GracePeriod = 500 * time.Millisecond

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(200*time.Millisecond, func() { cancel(ErrRunCancelled) })

	started := time.Now()
	result := runner.Run(ctx, models.Step{Name: "s", Command: "sleep 5"}, t.TempDir())

	assert.Equal(t, models.StepOutcomeFailed, result.Outcome)
	assert.Contains(t, result.Error, "run cancelled")
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestShellRunner_CancelEscalatesToKill(t *testing.T) {
	runner := NewShellRunner(0)
	runner.GracePeriod = 300 * time.Millisecond

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(200*time.Millisecond, func() { cancel(ErrRunCancelled) })

	started := time.Now()
	result := runner.Run(ctx, models.Step{Name: "stubborn", Command: "trap '' TERM; sleep 5"}, t.TempDir())

	assert.Equal(t, models.StepOutcomeFailed, result.Outcome)
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestShellRunner_OutputLimit(t *testing.T) {
	runner := NewShellRunner(0)
	runner.OutputLimit = 16

	result := runner.Run(context.Background(),
		models.Step{Name: "noisy", Command: "printf '%0100d' 0"}, t.TempDir())

	require.Equal(t, models.StepOutcomeSucceeded, result.Outcome)
	assert.True(t, strings.HasPrefix(result.Output, strings.Repeat("0", 16)))
	assert.Contains(t, result.Output, "[output truncated]")
}

func TestShellRunner_MissingWorkDir(t *testing.T) {
	result := NewShellRunner(0).Run(context.Background(),
		models.Step{Name: "s", Command: "true"}, filepath.Join(t.TempDir(), "missing"))

	assert.Equal(t, models.StepOutcomeFailed, result.Outcome)
	assert.Nil(t, result.ExitCode)
	assert.Contains(t, result.Error, "failed to start command")
}
