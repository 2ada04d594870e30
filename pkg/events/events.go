// Package events defines the messages exchanged over the event bus: run and backup
// lifecycle notifications going out, repository events coming in.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	Topic                = "repokeeper.events"            // Lifecycle events published by the engine
	RepositoryEventTopic = "repokeeper.repository.events" // Inbound repository events that trigger workflows
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunStartedEvent      EventType = "run.started"
	RunFinishedEvent     EventType = "run.finished"
	BackupCreatedEvent   EventType = "backup.created"
	BackupPrunedEvent    EventType = "backup.pruned"
	RepositoryEventEvent EventType = "repository.event"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a new event of the given type.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

type RunStarted struct {
	BaseEvent

	RunID        string `json:"run_id"`
	WorkflowName string `json:"workflow_name"`
	Event        string `json:"event"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunFinished struct {
	BaseEvent

	RunID        string        `json:"run_id"`
	WorkflowName string        `json:"workflow_name"`
	Event        string        `json:"event"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

func (e RunFinished) GetType() EventType {
	return RunFinishedEvent
}

type BackupCreated struct {
	BaseEvent

	BackupID   string `json:"backup_id"`
	SourcePath string `json:"source_path"`
	StorageDir string `json:"storage_dir"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	ScheduleID string `json:"schedule_id,omitempty"`
}

func (e BackupCreated) GetType() EventType {
	return BackupCreatedEvent
}

type BackupPruned struct {
	BaseEvent

	BackupID   string    `json:"backup_id"`
	SourcePath string    `json:"source_path"`
	StorageDir string    `json:"storage_dir"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e BackupPruned) GetType() EventType {
	return BackupPrunedEvent
}

// RepositoryEvent is an inbound notification (push, pull_request, ...) that should
// dispatch every workflow declaring Event. Delivery and deduplication belong to the transport.
type RepositoryEvent struct {
	BaseEvent

	Event   string         `json:"event"`
	Ref     string         `json:"ref,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (e RepositoryEvent) GetType() EventType {
	return RepositoryEventEvent
}

// TopicFor returns the topic an event type travels on.
func TopicFor(eventType EventType) string {
	if eventType == RepositoryEventEvent {
		return RepositoryEventTopic
	}

	return Topic
}
