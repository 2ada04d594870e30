package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/repokeeper/pkg/events"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	tests := map[string]string{
		"/var/lib/repokeeper":          "file",
		"file:///var/lib/repokeeper":   "file",
		"postgres://u:p@db/repokeeper": "postgresql",
		"postgresql://db/repokeeper":   "postgresql",
		"redis://localhost:6379/0":     "redis",
		"rediss://cache:6380":          "redis",
		"mongodb://db":                 "mongodb",
	}

	for url, want := range tests {
		assert.Equal(t, want, ParsePersistenceProvider(url), url)
	}
}

func TestNewPersistence(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	store, err := NewPersistence(ctx, logger, "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, store)
	require.NoError(t, store.HealthCheck(ctx))

	_, err = NewPersistence(ctx, logger, "mongodb://db")
	require.Error(t, err)

	_, err = NewPersistence(ctx, logger, "file://")
	require.Error(t, err)
}

func TestNewEventBus(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	bus, err := NewEventBus("gochannel", logger)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus("rabbitmq", logger)
	require.Error(t, err)

	t.Setenv("KAFKA_BROKERS", "")

	_, err = NewEventBus("kafka", logger)
	require.Error(t, err)
}

func TestNewReplicatorDisabled(t *testing.T) {
	t.Setenv("REPOKEEPER_S3_ENDPOINT", "")

	replicator, err := NewReplicator(context.Background(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Nil(t, replicator)
}

func writeWorkflows(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ci.yaml"), []byte(`
name: ci
events: [push]
steps:
  - name: check
    event: push
    command: "true"
`), 0o600))

	return dir
}

func newTestEngine(t *testing.T, dataDir string) *Engine {
	t.Helper()

	engine, err := NewEngine(context.Background(), slog.New(slog.DiscardHandler), EngineConfig{
		DatabaseURL:  "file://" + dataDir,
		EventBus:     "gochannel",
		WorkflowsDir: writeWorkflows(t),
		WorkDir:      t.TempDir(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = engine.Close(ctx)
	})

	return engine
}

func TestNewEngine_LoadsWorkflowFiles(t *testing.T) {
	dataDir := t.TempDir()
	engine := newTestEngine(t, dataDir)

	definition, err := engine.Registry.Lookup("ci")
	require.NoError(t, err)
	assert.Equal(t, []string{"push"}, definition.Events)

	// Registered definitions are durable.
	stored, err := engine.Persistence.WorkflowRepository().GetByName(context.Background(), "ci")
	require.NoError(t, err)
	assert.Equal(t, "ci", stored.Name)
}

func TestNewEngine_InvalidWorkflowsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\n"), 0o600))

	_, err := NewEngine(context.Background(), slog.New(slog.DiscardHandler), EngineConfig{
		DatabaseURL:  "file://" + t.TempDir(),
		WorkflowsDir: dir,
	})
	require.Error(t, err)
}

func TestEngine_RecoverCancelsOrphans(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	orphan := &models.WorkflowRun{
		ID:           "orphan",
		WorkflowName: "ci",
		Event:        "push",
		Status:       models.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, file.NewPersistence(dataDir).RunRepository().Save(ctx, orphan))

	engine := newTestEngine(t, dataDir)
	require.NoError(t, engine.Recover(ctx))

	run, err := engine.Orchestrator.GetRun(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
}

func TestSubscribeRepositoryEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine(t, t.TempDir())

	require.NoError(t, SubscribeRepositoryEvents(ctx, engine.Logger, engine.EventBus, engine.Orchestrator))

	event := events.RepositoryEvent{
		BaseEvent: events.NewBaseEvent(events.RepositoryEventEvent),
		Event:     "push",
		Ref:       "refs/heads/main",
	}
	require.NoError(t, engine.EventBus.Publish(ctx, "main", event))

	var runs []*models.WorkflowRun

	require.Eventually(t, func() bool {
		var err error

		runs, err = engine.Orchestrator.ListRuns(ctx, persistence.ListRunsOptions{WorkflowName: "ci"})

		return err == nil && len(runs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	run, err := engine.Orchestrator.Wait(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "push", run.Event)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
}
