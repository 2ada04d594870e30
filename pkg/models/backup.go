package models

import (
	"slices"
	"time"
)

// BackupRecord describes a committed, checksummed archive of repository content.
// A record only exists once its archive has been fully written and promoted.
type BackupRecord struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	SourcePath string    `json:"source_path"`
	StorageDir string    `json:"storage_dir"`
	Location   string    `json:"location"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	Head       string    `json:"head,omitempty"`
	Dirty      bool      `json:"dirty,omitempty"`
	Excludes   []string  `json:"excludes,omitempty"`
	RemoteKey  string    `json:"remote_key,omitempty"`
	ScheduleID string    `json:"schedule_id,omitempty"`
}

func (b *BackupRecord) Clone() *BackupRecord {
	clone := *b
	clone.Excludes = slices.Clone(b.Excludes)

	return &clone
}

// SortBackupsNewestFirst orders records by creation time, most recent first.
// Ties break on id so listing is stable across calls.
func SortBackupsNewestFirst(records []*BackupRecord) {
	slices.SortStableFunc(records, func(a, b *BackupRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		if a.ID > b.ID {
			return -1
		}

		if a.ID < b.ID {
			return 1
		}

		return 0
	})
}
