// Package testutil provides test data builders for workflow, run, backup and schedule models.
package testutil

import (
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/google/uuid"
)

// Epoch is the reference time used by builders that need a timestamp.
var Epoch = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

// CreateTestWorkflow creates a valid WorkflowDefinition bound to "push" with default
// values that can be overridden.
func CreateTestWorkflow(overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	definition := &models.WorkflowDefinition{
		Name:        "ci",
		Description: "Test Workflow",
		Events:      []string{"push"},
		Steps:       []models.Step{},
	}

	for _, override := range overrides {
		override(definition)
	}

	return definition
}

// WithWorkflowName sets the workflow name.
func WithWorkflowName(name string) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Name = name
	}
}

// WithEvents replaces the declared events.
func WithEvents(events ...string) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Events = events
	}
}

// WithStep appends a step.
func WithStep(name, event, command string) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Steps = append(w.Steps, models.Step{Name: name, Event: event, Command: command})
	}
}

// WithTimedStep appends a step with its own timeout.
func WithTimedStep(name, event, command string, timeoutSeconds int) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Steps = append(w.Steps, models.Step{Name: name, Event: event, Command: command, TimeoutSeconds: timeoutSeconds})
	}
}

// CreateTestRun creates a pending run of "ci" for "push".
func CreateTestRun(overrides ...func(*models.WorkflowRun)) *models.WorkflowRun {
	run := &models.WorkflowRun{
		ID:           uuid.NewString(),
		WorkflowName: "ci",
		Event:        "push",
		Status:       models.RunStatusPending,
		StepResults:  []models.StepResult{},
		StartedAt:    Epoch,
	}

	for _, override := range overrides {
		override(run)
	}

	return run
}

func WithRunID(id string) func(*models.WorkflowRun) {
	return func(r *models.WorkflowRun) {
		r.ID = id
	}
}

func WithRunWorkflow(name string) func(*models.WorkflowRun) {
	return func(r *models.WorkflowRun) {
		r.WorkflowName = name
	}
}

// WithRunStatus sets the status; terminal statuses also get a finish time.
func WithRunStatus(status models.RunStatus) func(*models.WorkflowRun) {
	return func(r *models.WorkflowRun) {
		r.Status = status

		if status.IsTerminal() {
			finished := r.StartedAt.Add(time.Second)
			r.FinishedAt = &finished
		}
	}
}

func WithRunStartedAt(startedAt time.Time) func(*models.WorkflowRun) {
	return func(r *models.WorkflowRun) {
		r.StartedAt = startedAt
	}
}

// CreateTestBackupRecord creates a record of /srv/repo stored in /srv/backups.
func CreateTestBackupRecord(overrides ...func(*models.BackupRecord)) *models.BackupRecord {
	record := &models.BackupRecord{
		ID:         Epoch.Format("20060102T150405.000Z") + "-" + uuid.NewString()[:8],
		CreatedAt:  Epoch,
		SourcePath: "/srv/repo",
		StorageDir: "/srv/backups",
		Size:       128,
		Checksum:   "0000000000000000000000000000000000000000000000000000000000000000",
	}
	record.Location = record.StorageDir + "/" + record.ID + ".tar.zst"

	for _, override := range overrides {
		override(record)
	}

	return record
}

func WithBackupCreatedAt(createdAt time.Time) func(*models.BackupRecord) {
	return func(b *models.BackupRecord) {
		b.CreatedAt = createdAt
	}
}

func WithBackupSchedule(scheduleID string) func(*models.BackupRecord) {
	return func(b *models.BackupRecord) {
		b.ScheduleID = scheduleID
	}
}

// WithStorageDir moves the record and its location into dir.
func WithStorageDir(dir string) func(*models.BackupRecord) {
	return func(b *models.BackupRecord) {
		b.StorageDir = dir
		b.Location = dir + "/" + b.ID + ".tar.zst"
	}
}

// CreateTestSchedule creates a daily midnight schedule keeping seven days of backups.
func CreateTestSchedule(overrides ...func(*models.BackupSchedule)) *models.BackupSchedule {
	schedule := &models.BackupSchedule{
		ID:            "nightly",
		RepoPath:      "/srv/repo",
		TargetDir:     "/srv/backups",
		Frequency:     models.FrequencyDaily,
		TimeOfDay:     "00:00",
		RetentionDays: 7,
		CreatedAt:     Epoch,
		UpdatedAt:     Epoch,
	}

	for _, override := range overrides {
		override(schedule)
	}

	return schedule
}

func WithSchedulePaths(repoPath, targetDir string) func(*models.BackupSchedule) {
	return func(s *models.BackupSchedule) {
		s.RepoPath = repoPath
		s.TargetDir = targetDir
	}
}

func WithRetentionDays(days int) func(*models.BackupSchedule) {
	return func(s *models.BackupSchedule) {
		s.RetentionDays = days
	}
}
