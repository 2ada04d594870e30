package models

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		Name:        "ci",
		Description: "run tests on push",
		Events:      []string{"push", "pull_request"},
		Steps: []Step{
			{Name: "lint", Event: "push", Command: "make lint"},
			{Name: "review", Event: "pull_request", Command: "make review"},
			{Name: "test", Event: "push", Command: "make test", TimeoutSeconds: 60},
		},
	}
}

func TestWorkflowDefinition_StepsForKeepsDeclaredOrder(t *testing.T) {
	def := sampleDefinition()

	steps := def.StepsFor("push")
	require.Len(t, steps, 2)
	assert.Equal(t, "lint", steps[0].Name)
	assert.Equal(t, "test", steps[1].Name)

	assert.Empty(t, def.StepsFor("tag"))
}

func TestWorkflowDefinition_DeclaresEvent(t *testing.T) {
	def := sampleDefinition()

	assert.True(t, def.DeclaresEvent("push"))
	assert.False(t, def.DeclaresEvent("tag"))
}

func TestWorkflowDefinition_SameAsIgnoresRegistrationTime(t *testing.T) {
	a := sampleDefinition()
	b := sampleDefinition()
	b.RegisteredAt = time.Now()

	assert.True(t, a.SameAs(b))

	b.Steps[0].Command = "make lint-all"
	assert.False(t, a.SameAs(b))
	assert.False(t, a.SameAs(nil))
}

func TestWorkflowDefinition_CloneIsIndependent(t *testing.T) {
	def := sampleDefinition()
	clone := def.Clone()

	clone.Steps[0].Name = "changed"
	clone.Events[0] = "tag"

	assert.Equal(t, "lint", def.Steps[0].Name)
	assert.Equal(t, "push", def.Events[0])
}

func TestWorkflowDefinition_Validation(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	testCases := []struct {
		name    string
		modify  func(*WorkflowDefinition)
		wantErr bool
	}{
		{name: "valid", modify: func(*WorkflowDefinition) {}},
		{name: "missing name", modify: func(d *WorkflowDefinition) { d.Name = "" }, wantErr: true},
		{name: "name with separator", modify: func(d *WorkflowDefinition) { d.Name = "a/b" }, wantErr: true},
		{name: "no events", modify: func(d *WorkflowDefinition) { d.Events = nil }, wantErr: true},
		{name: "duplicate events", modify: func(d *WorkflowDefinition) { d.Events = []string{"push", "push"} }, wantErr: true},
		{name: "empty command", modify: func(d *WorkflowDefinition) { d.Steps[0].Command = "" }, wantErr: true},
		{name: "negative timeout", modify: func(d *WorkflowDefinition) { d.Steps[0].TimeoutSeconds = -1 }, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			def := sampleDefinition()
			tc.modify(def)

			err := validate.Struct(def)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStep_Timeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), Step{}.Timeout())
	assert.Equal(t, 90*time.Second, Step{TimeoutSeconds: 90}.Timeout())
}

func TestRunStatus_Transitions(t *testing.T) {
	testCases := []struct {
		from, to RunStatus
		allowed  bool
	}{
		{RunStatusPending, RunStatusRunning, true},
		{RunStatusPending, RunStatusCancelled, true},
		{RunStatusPending, RunStatusSucceeded, false},
		{RunStatusRunning, RunStatusSucceeded, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusRunning, RunStatusCancelled, true},
		{RunStatusRunning, RunStatusPending, false},
		{RunStatusSucceeded, RunStatusFailed, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusCancelled, RunStatusCancelled, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func TestWorkflowRun_CloneDeepCopiesResults(t *testing.T) {
	code := 1
	finished := time.Now()
	run := &WorkflowRun{
		ID:          "run-1",
		Status:      RunStatusFailed,
		StepResults: []StepResult{{StepName: "a", Outcome: StepOutcomeFailed, ExitCode: &code}},
		FinishedAt:  &finished,
	}

	clone := run.Clone()
	*clone.StepResults[0].ExitCode = 7
	clone.StepResults[0].Output = "changed"

	assert.Equal(t, 1, *run.StepResults[0].ExitCode)
	assert.Empty(t, run.StepResults[0].Output)
	assert.Equal(t, run.FinishedAt.UnixNano(), clone.FinishedAt.UnixNano())
}

func TestSortBackupsNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []*BackupRecord{
		{ID: "a", CreatedAt: base},
		{ID: "c", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "b", CreatedAt: base.Add(time.Hour)},
	}

	SortBackupsNewestFirst(records)

	assert.Equal(t, "c", records[0].ID)
	assert.Equal(t, "b", records[1].ID)
	assert.Equal(t, "a", records[2].ID)
}
