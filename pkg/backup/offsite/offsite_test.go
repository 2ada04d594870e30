package offsite_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/repokeeper/pkg/backup"
	"github.com/dukex/repokeeper/pkg/backup/offsite"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence/file"
	"github.com/dukex/repokeeper/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	accessKey = "repokeeper"
	secretKey = "repokeeper-secret"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   offsite.Config
		valid bool
	}{
		{"complete", offsite.Config{Endpoint: "localhost:9000", Bucket: "b", AccessKey: "a", SecretKey: "s"}, true},
		{"missing endpoint", offsite.Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}, false},
		{"missing bucket", offsite.Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, false},
		{"missing credentials", offsite.Config{Endpoint: "localhost:9000", Bucket: "b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, offsite.ErrIncompleteConfig)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("REPOKEEPER_S3_ENDPOINT", "")

	_, enabled := offsite.ConfigFromEnv()
	assert.False(t, enabled)

	t.Setenv("REPOKEEPER_S3_ENDPOINT", "s3.local:9000")
	t.Setenv("REPOKEEPER_S3_BUCKET", "backups")
	t.Setenv("REPOKEEPER_S3_ACCESS_KEY", "key")
	t.Setenv("REPOKEEPER_S3_SECRET_KEY", "secret")
	t.Setenv("REPOKEEPER_S3_PREFIX", "/nightly/")
	t.Setenv("REPOKEEPER_S3_USE_SSL", "true")

	cfg, enabled := offsite.ConfigFromEnv()
	assert.True(t, enabled)
	assert.Equal(t, "s3.local:9000", cfg.Endpoint)
	assert.Equal(t, "backups", cfg.Bucket)
	assert.Equal(t, "/nightly/", cfg.Prefix)
	assert.True(t, cfg.UseSSL)
	assert.NoError(t, cfg.Validate())
}

func setupMinIO(t *testing.T) (*offsite.Store, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping minio integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	t.Cleanup(cancel)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	store, err := offsite.NewStore(ctx, slog.New(slog.DiscardHandler), offsite.Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    "repokeeper-backups",
		Prefix:    "test",
	})
	require.NoError(t, err)

	return store, ctx
}

func TestStore_UploadDownloadRemove(t *testing.T) {
	store, ctx := setupMinIO(t)

	archive := filepath.Join(t.TempDir(), "archive.tar.zst")
	require.NoError(t, os.WriteFile(archive, []byte("archive bytes"), 0o644))

	record := &models.BackupRecord{ID: "20260301T000000.000Z-deadbeef", Checksum: "deadbeef"}

	key, err := store.Upload(ctx, record, archive)
	require.NoError(t, err)
	assert.Equal(t, "test/20260301T000000.000Z-deadbeef.tar.zst", key)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	var buf bytes.Buffer
	require.NoError(t, store.Download(ctx, key, &buf))
	assert.Equal(t, "archive bytes", buf.String())

	require.NoError(t, store.Remove(ctx, key))

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_RestoreFromReplica(t *testing.T) {
	store, ctx := setupMinIO(t)
	logger := slog.New(slog.DiscardHandler)

	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "data.txt"), []byte("precious"), 0o644))

	manager := backup.NewManager(logger, repository.NewLocal(logger),
		file.NewPersistence(t.TempDir()).BackupRepository(), backup.WithReplicator(store))

	record, err := manager.CreateBackup(ctx, source, t.TempDir(), backup.CreateOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, record.RemoteKey)

	// Lose the local copy; the replica still restores.
	require.NoError(t, os.Remove(record.Location))

	target := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, manager.Restore(ctx, record.ID, target, false))

	content, err := os.ReadFile(filepath.Join(target, "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "precious", string(content))

	require.NoError(t, manager.DeleteBackup(ctx, record.ID))

	exists, err := store.Exists(ctx, record.RemoteKey)
	require.NoError(t, err)
	assert.False(t, exists)
}
