package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/repokeeper/pkg/persistence"
)

// jsonStore keeps one JSON document per key inside dir.
// Writes go through a temporary file and a rename so readers never observe
// a half-written document.
type jsonStore[T any] struct {
	mu   sync.RWMutex
	dir  string
	kind string
}

func newJSONStore[T any](root, dir, kind string) *jsonStore[T] {
	return &jsonStore[T]{dir: filepath.Join(root, dir), kind: kind}
}

func (s *jsonStore[T]) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *jsonStore[T]) get(op, key string, notFound error) (*T, error) {
	err := persistence.ValidateKey(key)
	if err != nil {
		return nil, persistence.NewStoreError(op, s.kind, key, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read(op, key, notFound)
}

func (s *jsonStore[T]) read(op, key string, notFound error) (*T, error) {
	body, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewStoreError(op, s.kind, key, notFound)
		}

		return nil, persistence.NewStoreError(op, s.kind, key, err)
	}

	var value T

	err = json.Unmarshal(body, &value)
	if err != nil {
		return nil, persistence.NewStoreError(op, s.kind, key, fmt.Errorf("failed to unmarshal: %w", err))
	}

	return &value, nil
}

func (s *jsonStore[T]) put(op, key string, value *T) error {
	err := persistence.ValidateKey(key)
	if err != nil {
		return persistence.NewStoreError(op, s.kind, key, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return persistence.NewStoreError(op, s.kind, key, fmt.Errorf("failed to marshal: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.MkdirAll(s.dir, 0750)
	if err != nil {
		return persistence.NewStoreError(op, s.kind, key, fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return persistence.NewStoreError(op, s.kind, key, err)
	}

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Rename(tmp.Name(), s.path(key))
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return persistence.NewStoreError(op, s.kind, key, fmt.Errorf("failed to write: %w", err))
	}

	return nil
}

func (s *jsonStore[T]) remove(op, key string, notFound error) error {
	err := persistence.ValidateKey(key)
	if err != nil {
		return persistence.NewStoreError(op, s.kind, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.NewStoreError(op, s.kind, key, notFound)
		}

		return persistence.NewStoreError(op, s.kind, key, err)
	}

	return nil
}

func (s *jsonStore[T]) all(op string) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*T{}, nil
		}

		return nil, persistence.NewStoreError(op, s.kind, "", err)
	}

	values := make([]*T, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}

		value, err := s.read(op, strings.TrimSuffix(name, ".json"), fs.ErrNotExist)
		if err != nil {
			// Removed between ReadDir and ReadFile.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, err
		}

		values = append(values, value)
	}

	return values, nil
}
