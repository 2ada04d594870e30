package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/dukex/repokeeper/pkg/events"
	"github.com/dukex/repokeeper/pkg/mocks"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/persistence/file"
	"github.com/dukex/repokeeper/pkg/repository"
	"github.com/dukex/repokeeper/pkg/services"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	manager *Manager
	store   persistence.BackupRepository
	clock   *clockwork.FakeClock
	source  string
	dest    string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(t.TempDir()).BackupRepository()
	clock := clockwork.NewFakeClockAt(start)

	opts = append([]Option{WithClock(clock), WithRetry(2, time.Millisecond)}, opts...)

	return &fixture{
		manager: NewManager(logger, repository.NewLocal(logger), store, opts...),
		store:   store,
		clock:   clock,
		source:  sampleTree(t),
		dest:    t.TempDir(),
	}
}

func writeFile(t *testing.T, root, rel, content string, mode fs.FileMode) {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
}

func sampleTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	writeFile(t, root, "README.md", "# project\n", 0o644)
	writeFile(t, root, "scripts/build.sh", "#!/bin/sh\necho build\n", 0o755)
	writeFile(t, root, "src/app/main.go", "package main\n\nfunc main() {}\n", 0o644)
	writeFile(t, root, "src/app/empty.txt", "", 0o600)
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main\n", 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty-dir"), 0o750))
	require.NoError(t, os.Symlink("src/app/main.go", filepath.Join(root, "main-link")))

	return root
}

// treeDigest summarizes everything a restore must reproduce: paths, types,
// permissions, file content and link targets.
func treeDigest(t *testing.T, root string) string {
	t.Helper()

	lines := make([]string, 0)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)

		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		require.NoError(t, err)

		line := filepath.ToSlash(rel) + " " + info.Mode().String()

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			require.NoError(t, err)

			line += " -> " + target
		case info.Mode().IsRegular():
			content, err := os.ReadFile(path)
			require.NoError(t, err)

			sum := sha256.Sum256(content)
			line += " " + hex.EncodeToString(sum[:])
		}

		lines = append(lines, line)

		return nil
	})
	require.NoError(t, err)

	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))

	return hex.EncodeToString(sum[:])
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

func TestManager_CreateBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, start, record.CreatedAt)
	assert.True(t, strings.HasPrefix(record.ID, "20260301T000000.000Z-"))
	assert.Equal(t, backupID(record), record.ID)
	assert.Equal(t, f.source, record.SourcePath)
	assert.Equal(t, f.dest, record.StorageDir)
	assert.Equal(t, filepath.Join(f.dest, record.ID+ArchiveExtension), record.Location)

	info, err := os.Stat(record.Location)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), record.Size)

	checksum, err := checksumFile(record.Location)
	require.NoError(t, err)
	assert.Equal(t, checksum, record.Checksum)

	// Only the committed archive remains in storage.
	assert.Equal(t, []string{record.ID + ArchiveExtension}, dirNames(t, f.dest))

	stored, err := f.manager.GetBackup(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record, stored)
}

func TestManager_ArchivesAreDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	second, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Checksum, second.Checksum)

	writeFile(t, f.source, "README.md", "# changed\n", 0o644)
	f.clock.Advance(time.Hour)

	third, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Checksum, third.Checksum)
}

func TestManager_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, f.manager.Restore(ctx, record.ID, target, false))

	assert.Equal(t, treeDigest(t, f.source), treeDigest(t, target))

	// Backing up the restored tree reproduces the original archive bit for bit.
	again, err := f.manager.CreateBackup(ctx, target, t.TempDir(), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, record.Checksum, again.Checksum)

	// No staging directories are left next to the target.
	assert.Equal(t, []string{"restored"}, dirNames(t, filepath.Dir(target)))
}

func TestManager_RestoreIntoEmptyDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	target := t.TempDir()
	require.NoError(t, f.manager.Restore(ctx, record.ID, target, false))
	assert.Equal(t, treeDigest(t, f.source), treeDigest(t, target))
}

func TestManager_RestoreConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	target := t.TempDir()
	writeFile(t, target, "local-change.txt", "keep me", 0o644)

	err = f.manager.Restore(ctx, record.ID, target, false)
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))
	assert.Equal(t, []string{"local-change.txt"}, dirNames(t, target))

	require.NoError(t, f.manager.Restore(ctx, record.ID, target, true))
	assert.Equal(t, treeDigest(t, f.source), treeDigest(t, target))
	assert.NoFileExists(t, filepath.Join(target, "local-change.txt"))

	// Neither the staging copy nor the replaced content is left next to the target.
	for _, name := range dirNames(t, filepath.Dir(target)) {
		assert.False(t, strings.HasPrefix(name, ".restore-"), "leftover %s", name)
	}
}

func TestManager_RestoreVerifiesChecksum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	content, err := os.ReadFile(record.Location)
	require.NoError(t, err)

	content[len(content)/2] ^= 0xff
	require.NoError(t, os.WriteFile(record.Location, content, 0o644))

	target := t.TempDir()
	writeFile(t, target, "existing.txt", "untouched", 0o644)

	err = f.manager.Restore(ctx, record.ID, target, true)
	require.Error(t, err)
	assert.True(t, services.IsIOError(err))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, []string{"existing.txt"}, dirNames(t, target))
}

func TestManager_RestoreErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.manager.Restore(ctx, "missing", t.TempDir(), false)
	assert.True(t, services.IsNotFound(err))

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	err = f.manager.Restore(ctx, record.ID, filepath.Dir(f.dest), true)
	assert.True(t, services.IsValidationError(err))

	require.NoError(t, os.Remove(record.Location))

	err = f.manager.Restore(ctx, record.ID, filepath.Join(t.TempDir(), "target"), false)
	assert.True(t, services.IsIOError(err))
}

func TestManager_LockContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.manager.Locker().TryLock(f.source, "test")
	require.NoError(t, err)

	_, err = f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	assert.True(t, services.IsLockContention(err))

	// A restore into a path being backed up fails fast too.
	release()

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	target := t.TempDir()

	release, err = f.manager.Locker().TryLock(target, "test")
	require.NoError(t, err)
	defer release()

	err = f.manager.Restore(ctx, record.ID, target, true)
	assert.True(t, services.IsLockContention(err))
	assert.False(t, f.manager.Locker().Held(f.source))
}

func TestManager_RetriesTransientFailures(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	source := sampleTree(t)
	dest := t.TempDir()

	snapshot, err := repository.NewLocal(logger).ReadTree(context.Background(), source, nil)
	require.NoError(t, err)

	repo := new(mocks.MockRepositoryOperations)
	repo.On("Status", mock.Anything, source).Return(&repository.Status{Versioned: true, Head: "abc123", Dirty: true}, nil)
	repo.On("ReadTree", mock.Anything, source, mock.Anything).Return(nil, errors.New("disk hiccup")).Times(2)
	repo.On("ReadTree", mock.Anything, source, mock.Anything).Return(snapshot, nil).Once()

	store := file.NewPersistence(t.TempDir()).BackupRepository()
	manager := NewManager(logger, repo, store, WithRetry(3, time.Millisecond))

	record, err := manager.CreateBackup(context.Background(), source, dest, CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "abc123", record.Head)
	assert.True(t, record.Dirty)
	repo.AssertNumberOfCalls(t, "ReadTree", 3)
}

func TestManager_ExhaustedRetriesLeaveNoRecord(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	source := t.TempDir()
	dest := t.TempDir()

	repo := new(mocks.MockRepositoryOperations)
	repo.On("Status", mock.Anything, source).Return(&repository.Status{}, nil)
	repo.On("ReadTree", mock.Anything, source, mock.Anything).Return(nil, errors.New("disk unplugged"))

	store := file.NewPersistence(t.TempDir()).BackupRepository()
	manager := NewManager(logger, repo, store, WithRetry(2, time.Millisecond))

	_, err := manager.CreateBackup(context.Background(), source, dest, CreateOptions{})
	require.Error(t, err)
	assert.True(t, services.IsIOError(err))
	repo.AssertNumberOfCalls(t, "ReadTree", 3)

	records, err := manager.ListBackups(context.Background(), dest)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, dirNames(t, dest))
}

func TestManager_CreateBackupValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateBackup(ctx, filepath.Join(t.TempDir(), "missing"), f.dest, CreateOptions{})
	assert.True(t, services.IsValidationError(err))

	_, err = f.manager.CreateBackup(ctx, "", f.dest, CreateOptions{})
	assert.True(t, services.IsValidationError(err))

	_, err = f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{Excludes: []string{"[broken"}})
	assert.True(t, services.IsValidationError(err))

	assert.Empty(t, dirNames(t, f.dest))
}

func TestManager_Excludes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writeFile(t, f.source, "build/output.bin", "binary", 0o644)

	// Storage nested in the source is never archived into itself.
	dest := filepath.Join(f.source, "backups")

	first, err := f.manager.CreateBackup(ctx, f.source, dest, CreateOptions{Excludes: []string{"build"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"build"}, first.Excludes)

	f.clock.Advance(time.Minute)

	second, err := f.manager.CreateBackup(ctx, f.source, dest, CreateOptions{Excludes: []string{"build"}})
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)

	target := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, f.manager.Restore(ctx, second.ID, target, false))
	assert.NoDirExists(t, filepath.Join(target, "build"))
	assert.NoDirExists(t, filepath.Join(target, "backups"))
	assert.FileExists(t, filepath.Join(target, "README.md"))
}

func TestManager_ListBackupsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)

	for range 3 {
		record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
		require.NoError(t, err)

		ids = append(ids, record.ID)
		f.clock.Advance(24 * time.Hour)
	}

	other := t.TempDir()
	_, err := f.manager.CreateBackup(ctx, f.source, other, CreateOptions{})
	require.NoError(t, err)

	records, err := f.manager.ListBackups(ctx, f.dest)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{records[0].ID, records[1].ID, records[2].ID})

	all, err := f.manager.ListBackups(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	// The lazy sequence can be consumed repeatedly with the same result.
	for range 2 {
		seen := make([]string, 0)

		for record, err := range f.manager.Backups(ctx, f.dest) {
			require.NoError(t, err)

			seen = append(seen, record.ID)
		}

		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, seen)
	}

	for record, err := range f.manager.Backups(ctx, f.dest) {
		require.NoError(t, err)
		assert.Equal(t, ids[2], record.ID)

		break
	}
}

func TestManager_DeleteBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.DeleteBackup(ctx, record.ID))
	assert.NoFileExists(t, record.Location)

	_, err = f.manager.GetBackup(ctx, record.ID)
	assert.True(t, services.IsNotFound(err))
	assert.True(t, services.IsNotFound(f.manager.DeleteBackup(ctx, record.ID)))
}

func TestManager_Prune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := make([]*models.BackupRecord, 0)

	for range 5 {
		record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
		require.NoError(t, err)

		created = append(created, record)
		f.clock.Advance(24 * time.Hour)
	}

	// Now is day 5; backups are 5, 4, 3, 2 and 1 days old.
	pruned, err := f.manager.Prune(ctx, f.dest, f.source, 3)
	require.NoError(t, err)

	prunedIDs := make([]string, 0)
	for _, record := range pruned {
		prunedIDs = append(prunedIDs, record.ID)
	}

	// A backup exactly three days old is expired.
	assert.ElementsMatch(t, []string{created[0].ID, created[1].ID, created[2].ID}, prunedIDs)

	remaining, err := f.manager.ListBackups(ctx, f.dest)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	for _, record := range pruned {
		assert.NoFileExists(t, record.Location)
	}

	t.Run("newest backup survives however old", func(t *testing.T) {
		f.clock.Advance(30 * 24 * time.Hour)

		pruned, err := f.manager.Prune(ctx, f.dest, f.source, 3)
		require.NoError(t, err)
		require.Len(t, pruned, 1)
		assert.Equal(t, created[3].ID, pruned[0].ID)

		remaining, err := f.manager.ListBackups(ctx, f.dest)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, created[4].ID, remaining[0].ID)
	})

	t.Run("zero retention keeps everything", func(t *testing.T) {
		pruned, err := f.manager.Prune(ctx, f.dest, f.source, 0)
		require.NoError(t, err)
		assert.Empty(t, pruned)
	})
}

func TestManager_PruneOnlyTouchesItsSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	otherSource := sampleTree(t)
	writeFile(t, otherSource, "OTHER.md", "another project\n", 0o644)

	_, err := f.manager.CreateBackup(ctx, otherSource, f.dest, CreateOptions{})
	require.NoError(t, err)
	_, err = f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)

	_, err = f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	f.clock.Advance(10 * 24 * time.Hour)

	pruned, err := f.manager.Prune(ctx, f.dest, f.source, 1)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, f.source, pruned[0].SourcePath)

	remaining, err := f.manager.ListBackups(ctx, f.dest)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestManager_PruneScheduleOnlyTouchesItsSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	byOwner := map[string][]*models.BackupRecord{}

	for range 3 {
		for _, owner := range []string{"nightly", "hourly", ""} {
			record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{ScheduleID: owner})
			require.NoError(t, err)
			assert.Equal(t, owner, record.ScheduleID)

			byOwner[owner] = append(byOwner[owner], record)
		}

		f.clock.Advance(24 * time.Hour)
	}

	// Same source, directory and instant still yield distinct ids per schedule.
	assert.NotEqual(t, byOwner["nightly"][0].ID, byOwner["hourly"][0].ID)

	pruned, err := f.manager.PruneSchedule(ctx, f.dest, "nightly", 1)
	require.NoError(t, err)
	require.Len(t, pruned, 2)

	for _, record := range pruned {
		assert.Equal(t, "nightly", record.ScheduleID)
	}

	remaining, err := f.manager.ListBackups(ctx, f.dest)
	require.NoError(t, err)
	assert.Len(t, remaining, 7)

	for _, record := range remaining {
		if record.ScheduleID == "nightly" {
			assert.Equal(t, byOwner["nightly"][2].ID, record.ID)
		}
	}

	_, err = f.manager.PruneSchedule(ctx, f.dest, "", 1)
	assert.True(t, services.IsValidationError(err))
}

func TestManager_Cleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{})
	require.NoError(t, err)

	for _, name := range []string{".repokeeper-1.partial", ".repokeeper-2.partial"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.dest, name), []byte("half"), 0o644))
	}

	removed, err := f.manager.Cleanup(ctx, f.dest)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{record.ID + ArchiveExtension}, dirNames(t, f.dest))
}

func TestManager_PublishesEvents(t *testing.T) {
	bus := new(mocks.MockEventBus)
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f := newFixture(t, WithPublisher(bus))
	ctx := context.Background()

	_, err := f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{ScheduleID: "nightly"})
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)

	_, err = f.manager.CreateBackup(ctx, f.source, f.dest, CreateOptions{ScheduleID: "nightly"})
	require.NoError(t, err)

	_, err = f.manager.Prune(ctx, f.dest, f.source, 1)
	require.NoError(t, err)

	assert.Equal(t, []events.EventType{
		events.BackupCreatedEvent,
		events.BackupCreatedEvent,
		events.BackupPrunedEvent,
	}, bus.PublishedTypes())

	bus.AssertCalled(t, "Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(e events.BackupCreated) bool {
		return e.ScheduleID == "nightly"
	}))
}
