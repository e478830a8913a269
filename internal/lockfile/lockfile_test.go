package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	t.Run("writes pid into the lock file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.lock")
		lock, err := Acquire(path)
		require.NoError(t, err)
		defer func() { require.NoError(t, lock.Release()) }()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(os.Getpid()), string(content))
	})

	t.Run("creates missing parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "app.lock")
		lock, err := Acquire(path)
		require.NoError(t, err)
		require.NoError(t, lock.Release())
	})

	t.Run("second acquire fails while held", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.lock")
		lock, err := Acquire(path)
		require.NoError(t, err)
		defer func() { require.NoError(t, lock.Release()) }()

		_, err = Acquire(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAlreadyLocked))
	})

	t.Run("acquire succeeds after release", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.lock")
		lock, err := Acquire(path)
		require.NoError(t, err)
		require.NoError(t, lock.Release())

		again, err := Acquire(path)
		require.NoError(t, err)
		require.NoError(t, again.Release())
	})
}
