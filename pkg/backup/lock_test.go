package backup

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dukex/repokeeper/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathLocker(t *testing.T) {
	locker := NewPathLocker()
	dir := t.TempDir()

	release, err := locker.TryLock(dir, "backup")
	require.NoError(t, err)
	assert.True(t, locker.Held(dir))

	// The same directory spelled differently is the same lock.
	_, err = locker.TryLock(filepath.Join(dir, "sub", ".."), "restore")
	assert.True(t, services.IsLockContention(err))

	other, err := locker.TryLock(filepath.Join(dir, "sub"), "restore")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, locker.Held(dir))

	again, err := locker.TryLock(dir, "restore")
	require.NoError(t, err)
	again()
}

func TestPathLocker_ExclusiveUnderContention(t *testing.T) {
	locker := NewPathLocker()
	dir := t.TempDir()

	var (
		acquired atomic.Int32
		wg       sync.WaitGroup
		start    = make(chan struct{})
		releases = make(chan func(), 16)
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			release, err := locker.TryLock(dir, "backup")
			if err == nil {
				acquired.Add(1)
				releases <- release
			}
		}()
	}

	close(start)
	wg.Wait()
	close(releases)

	assert.Equal(t, int32(1), acquired.Load())

	for release := range releases {
		release()
	}
}
