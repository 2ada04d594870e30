package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/patternmatcher"
)

const fieldSeparator = "\x1f"

// Local reads trees from the local filesystem and asks the git binary for status and history.
type Local struct {
	logger    *slog.Logger
	gitBinary string
}

func NewLocal(logger *slog.Logger) *Local {
	return &Local{logger: logger.With("module", "repository"), gitBinary: "git"}
}

func (l *Local) Status(ctx context.Context, repoPath string) (*Status, error) {
	err := checkRoot(repoPath)
	if err != nil {
		return nil, err
	}

	inside, err := l.git(ctx, repoPath, "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(inside) != "true" {
		// Unversioned trees are still backed up.
		return &Status{}, nil
	}

	status := &Status{Versioned: true}

	// An empty repository has no HEAD yet.
	head, err := l.git(ctx, repoPath, "rev-parse", "HEAD")
	if err == nil {
		status.Head = strings.TrimSpace(head)
	}

	branch, err := l.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		status.Branch = strings.TrimSpace(branch)
	}

	porcelain, err := l.git(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to read working tree status: %w", err)
	}

	status.Dirty = strings.TrimSpace(porcelain) != ""

	return status, nil
}

// History returns up to limit commits reachable from HEAD, newest first.
// An unversioned tree or an empty repository has no history.
func (l *Local) History(ctx context.Context, repoPath string, limit int) ([]Commit, error) {
	status, err := l.Status(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	if !status.Versioned || status.Head == "" {
		return []Commit{}, nil
	}

	args := []string{"log", "--format=%H%x1f%an%x1f%aI%x1f%s"}
	if limit > 0 {
		args = append(args, fmt.Sprintf("-n%d", limit))
	}

	out, err := l.git(ctx, repoPath, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	commits := make([]Commit, 0)

	for line := range strings.SplitSeq(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, fieldSeparator, 4)
		if len(fields) != 4 {
			l.logger.WarnContext(ctx, "skipping malformed log line", "line", line)

			continue
		}

		when, err := time.Parse(time.RFC3339, fields[2])
		if err != nil {
			return nil, fmt.Errorf("failed to parse commit time %q: %w", fields[2], err)
		}

		commits = append(commits, Commit{Hash: fields[0], Author: fields[1], Time: when.UTC(), Subject: fields[3]})
	}

	return commits, nil
}

// ReadTree walks repoPath in lexical order. Excludes use .dockerignore syntax
// and are matched against slash-separated relative paths; an excluded
// directory is skipped with everything below it. Entries other than regular
// files, directories and symlinks are ignored.
func (l *Local) ReadTree(ctx context.Context, repoPath string, excludes []string) (*Snapshot, error) {
	err := checkRoot(repoPath)
	if err != nil {
		return nil, err
	}

	var matcher *patternmatcher.PatternMatcher

	if len(excludes) > 0 {
		matcher, err = patternmatcher.New(excludes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidExcludes, err)
		}
	}

	snapshot := &Snapshot{Root: repoPath, Entries: make([]Entry, 0)}

	err = filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(repoPath, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		if matcher != nil {
			excluded, err := matcher.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}

			if excluded {
				if d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry := Entry{Path: filepath.ToSlash(rel), Mode: info.Mode()}

		switch {
		case info.Mode().IsRegular():
			entry.Size = info.Size()
		case info.IsDir():
		case info.Mode()&fs.ModeSymlink != 0:
			entry.LinkTarget, err = os.Readlink(path)
			if err != nil {
				return err
			}
		default:
			l.logger.DebugContext(ctx, "skipping special file", "path", entry.Path, "mode", info.Mode().String())

			return nil
		}

		snapshot.Entries = append(snapshot.Entries, entry)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tree %s: %w", repoPath, err)
	}

	return snapshot, nil
}

func (l *Local) git(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, l.gitBinary, append([]string{"-C", dir}, args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

// ValidateExcludes checks that patterns compile, so bad patterns fail at registration.
func ValidateExcludes(patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}

	_, err := patternmatcher.New(patterns)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidExcludes, err)
	}

	return nil
}

func checkRoot(repoPath string) error {
	info, err := os.Stat(repoPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrPathNotFound, repoPath)
		}

		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, repoPath)
	}

	return nil
}
