package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	dataDir string
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out

	argv := append([]string{"repokeeper", "--database-url", "file://" + e.dataDir, "--workdir", e.dataDir, "--log-level", "error"}, args...)
	err := app.Run(context.Background(), argv)

	return out.String(), err
}

func writeCIWorkflow(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: ci
events: [push, tag]
steps:
  - name: check
    event: push
    command: "true"
  - name: broken
    event: tag
    command: "exit 3"
`), 0o600))

	return path
}

func TestCLI_Workflows(t *testing.T) {
	env := cliEnv{dataDir: t.TempDir()}
	path := writeCIWorkflow(t)

	out, err := env.run(t, "workflow", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 workflow(s) valid")

	_, err = env.run(t, "workflow", "register", path)
	require.NoError(t, err)

	out, err = env.run(t, "workflow", "list")
	require.NoError(t, err)

	var definitions []models.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &definitions))
	require.Len(t, definitions, 1)
	assert.Equal(t, "ci", definitions[0].Name)

	_, err = env.run(t, "workflow", "get")
	require.Error(t, err)

	_, err = env.run(t, "workflow", "remove", "ci")
	require.NoError(t, err)

	_, err = env.run(t, "workflow", "get", "ci")
	require.Error(t, err)
}

func TestCLI_DispatchWaitsForRun(t *testing.T) {
	env := cliEnv{dataDir: t.TempDir()}

	_, err := env.run(t, "workflow", "register", writeCIWorkflow(t))
	require.NoError(t, err)

	out, err := env.run(t, "run", "dispatch", "ci", "push")
	require.NoError(t, err)

	var runs []models.WorkflowRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSucceeded, runs[0].Status)

	_, err = env.run(t, "run", "dispatch", "ci", "tag")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")

	_, err = env.run(t, "run", "dispatch", "ci", "release")
	require.Error(t, err)

	out, err = env.run(t, "run", "list", "--workflow", "ci")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Len(t, runs, 2)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
}

func TestCLI_BackupAndRestore(t *testing.T) {
	env := cliEnv{dataDir: t.TempDir()}

	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "main.go"), []byte("package main\n"), 0o600))

	dest := t.TempDir()

	out, err := env.run(t, "backup", "create", source, dest)
	require.NoError(t, err)

	var record models.BackupRecord
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	require.NotEmpty(t, record.ID)

	out, err = env.run(t, "backup", "list", dest)
	require.NoError(t, err)

	var records []models.BackupRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	assert.Len(t, records, 1)

	target := filepath.Join(t.TempDir(), "restored")

	_, err = env.run(t, "backup", "restore", record.ID, target)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(target, "main.go"))

	_, err = env.run(t, "backup", "restore", record.ID, target)
	require.Error(t, err)

	_, err = env.run(t, "backup", "restore", "--force", record.ID, target)
	require.NoError(t, err)

	_, err = env.run(t, "backup", "delete", record.ID)
	require.NoError(t, err)
}

func TestCLI_Schedules(t *testing.T) {
	env := cliEnv{dataDir: t.TempDir()}

	out, err := env.run(t, "schedule", "set", "--id", "nightly", "--repo", t.TempDir(), "--target", t.TempDir(),
		"--time", "02:00", "--retention-days", "14")
	require.NoError(t, err)

	var schedule models.BackupSchedule
	require.NoError(t, json.Unmarshal([]byte(out), &schedule))
	assert.Equal(t, "nightly", schedule.ID)
	assert.Equal(t, 14, schedule.RetentionDays)

	_, err = env.run(t, "schedule", "set", "--repo", t.TempDir(), "--target", t.TempDir(), "--frequency", "monthly")
	require.Error(t, err)

	out, err = env.run(t, "schedule", "list")
	require.NoError(t, err)

	var schedules []models.BackupSchedule
	require.NoError(t, json.Unmarshal([]byte(out), &schedules))
	assert.Len(t, schedules, 1)

	_, err = env.run(t, "schedule", "tick")
	require.NoError(t, err)

	_, err = env.run(t, "schedule", "remove", "nightly")
	require.NoError(t, err)

	_, err = env.run(t, "schedule", "get", "nightly")
	require.Error(t, err)
}
