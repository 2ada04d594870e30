package backup

import (
	"path/filepath"
	"sync"

	"github.com/dukex/repokeeper/pkg/services"
)

// PathLocker hands out exclusive, non-blocking locks keyed by cleaned absolute path.
// Backups lock their source and restores their target, so the two never overlap on one path.
type PathLocker struct {
	mu      sync.Mutex
	holders map[string]string
}

func NewPathLocker() *PathLocker {
	return &PathLocker{holders: make(map[string]string)}
}

// TryLock acquires path for op or fails immediately with a lock contention error.
// The returned function releases the lock and is safe to call more than once.
func (l *PathLocker) TryLock(path, op string) (func(), error) {
	key, err := lockKey(path)
	if err != nil {
		return nil, services.NewIOError(op, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.holders[key]; held {
		return nil, services.NewLockContentionError(op, key)
	}

	l.holders[key] = op

	var once sync.Once

	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.holders, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether path is currently locked.
func (l *PathLocker) Held(path string) bool {
	key, err := lockKey(path)
	if err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, held := l.holders[key]

	return held
}

func lockKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(abs), nil
}
