// Package lockfile enforces the single-instance guarantee with an advisory
// file lock whose content is the holder's PID.
package lockfile

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrAlreadyLocked indicates another process holds the lock.
var ErrAlreadyLocked = errors.New("lock already held by another instance")

// Lock is an exclusive non-blocking lock on a well-known path.
type Lock struct {
	path string
	fl   *flock.Flock
}

// Acquire takes the lock or fails immediately. On success the file content
// is replaced with the current PID so operators can see who holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create lock directory for %s", path)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lock %s", path)
	}
	if !locked {
		return nil, errors.Wrapf(ErrAlreadyLocked, "lock file %s", path)
	}

	// Advisory locks do not guard the content; the PID is informational.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock() //nolint:errcheck // cleanup on error path
		return nil, errors.Wrapf(err, "failed to write pid to lock file %s", path)
	}

	return &Lock{path: path, fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The file itself is left in place.
func (l *Lock) Release() error {
	return errors.Wrapf(l.fl.Unlock(), "failed to release lock %s", l.path)
}
