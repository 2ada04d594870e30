package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFor(t *testing.T) {
	assert.Equal(t, RepositoryEventTopic, TopicFor(RepositoryEventEvent))
	assert.Equal(t, Topic, TopicFor(RunFinishedEvent))
	assert.Equal(t, Topic, TopicFor(BackupCreatedEvent))
}

func TestNewBaseEvent(t *testing.T) {
	first := NewBaseEvent(RunStartedEvent)
	second := NewBaseEvent(RunStartedEvent)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, RunStartedEvent, first.Type)
	assert.WithinDuration(t, time.Now(), first.Timestamp, time.Second)
}

func TestRunFinished_JSONShape(t *testing.T) {
	event := RunFinished{
		BaseEvent:    NewBaseEvent(RunFinishedEvent),
		RunID:        "run-1",
		WorkflowName: "ci",
		Event:        "push",
		Status:       "failed",
		Duration:     2 * time.Second,
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "run.finished", decoded["type"])
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "failed", decoded["status"])
	assert.NotContains(t, decoded, "error")
}
