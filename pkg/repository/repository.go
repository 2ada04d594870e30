// Package repository is the read-only view of a working copy that backups are built from.
// Version control itself stays outside: the adapter only asks git for status and history.
package repository

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrPathNotFound    = errors.New("repository path not found")
	ErrNotDirectory    = errors.New("repository path is not a directory")
	ErrInvalidExcludes = errors.New("invalid exclude patterns")
)

// Status is the working-copy state reported by version control.
// Versioned is false when the path is not under version control.
type Status struct {
	Versioned bool   `json:"versioned"`
	Head      string `json:"head,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Dirty     bool   `json:"dirty"`
}

type Commit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Time    time.Time `json:"time"`
	Subject string    `json:"subject"`
}

// Entry is one item of a snapshot. Path is slash-separated and relative to the root.
type Entry struct {
	Path       string
	Mode       fs.FileMode
	Size       int64
	LinkTarget string
}

func (e Entry) IsDir() bool     { return e.Mode.IsDir() }
func (e Entry) IsSymlink() bool { return e.Mode&fs.ModeSymlink != 0 }
func (e Entry) IsRegular() bool { return e.Mode.IsRegular() }

// Snapshot lists the content of a repository tree in a stable order.
type Snapshot struct {
	Root    string
	Entries []Entry
}

// Open returns the content of a regular file entry.
func (s *Snapshot) Open(entry Entry) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.Root, filepath.FromSlash(entry.Path)))
}

// Size is the total size of the regular files in the snapshot.
func (s *Snapshot) Size() int64 {
	var total int64

	for _, entry := range s.Entries {
		if entry.IsRegular() {
			total += entry.Size
		}
	}

	return total
}

// Operations is the repository collaborator consumed by the backup manager.
type Operations interface {
	Status(ctx context.Context, repoPath string) (*Status, error)
	History(ctx context.Context, repoPath string, limit int) ([]Commit, error)
	ReadTree(ctx context.Context, repoPath string, excludes []string) (*Snapshot, error)
}
