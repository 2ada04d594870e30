package models

import (
	"slices"
	"time"
)

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal forward move from s.
// Pending may be cancelled before it ever runs.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusCancelled
	case RunStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// StepOutcome is the result class of one executed (or skipped) step.
type StepOutcome string

const (
	StepOutcomeSucceeded StepOutcome = "succeeded"
	StepOutcomeFailed    StepOutcome = "failed"
	StepOutcomeTimeout   StepOutcome = "timeout"
	StepOutcomeSkipped   StepOutcome = "skipped"
)

type StepResult struct {
	StepName string        `json:"step_name"`
	Outcome  StepOutcome   `json:"outcome"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// WorkflowRun is one execution of a workflow produced by one event occurrence.
type WorkflowRun struct {
	ID           string       `json:"id"`
	WorkflowName string       `json:"workflow_name"`
	Event        string       `json:"event"`
	Status       RunStatus    `json:"status"`
	StepResults  []StepResult `json:"step_results"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the tracker.
func (r *WorkflowRun) Clone() *WorkflowRun {
	clone := *r
	clone.StepResults = slices.Clone(r.StepResults)

	for i, result := range clone.StepResults {
		if result.ExitCode != nil {
			code := *result.ExitCode
			clone.StepResults[i].ExitCode = &code
		}
	}

	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		clone.FinishedAt = &finished
	}

	return &clone
}

// Duration returns the elapsed run time, or zero while the run is not finished.
func (r *WorkflowRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}

	return r.FinishedAt.Sub(r.StartedAt)
}
