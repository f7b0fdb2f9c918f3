package critsec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	critsecerrors "github.com/mirkobrombin/go-critsec/v1/errors"
)

// File is a Backend that excludes processes through an exclusive operating
// system lock on a file: flock on unix systems and LockFileEx on windows.
// Owners inside the process are serialised before the file lock is taken,
// since the operating system would treat them as the same holder.
//
// Waiting on the file lock cannot be interrupted by ctx.
type File struct {
	path string
	f    *os.File
	sem  chan struct{}
}

// NewFile opens (creating if needed) the lock file at path. It returns
// ErrUnsupported on platforms without file locking.
func NewFile(path string) (*File, error) {
	if !fileLockSupported {
		return nil, critsecerrors.ErrUnsupported
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 -- path is chosen by the lock's owner
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &File{path: path, f: f, sem: make(chan struct{}, 1)}, nil
}

// Path returns the lock file path.
func (b *File) Path() string { return b.path }

// Acquire implements Backend.Acquire.
func (b *File) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := lockFile(b.f.Fd()); err != nil {
		<-b.sem
		return fmt.Errorf("lock %s: %w", b.path, err)
	}
	return nil
}

// Release implements Backend.Release.
func (b *File) Release(context.Context) error {
	if len(b.sem) == 0 {
		return critsecerrors.ErrNotOwner
	}
	err := unlockFile(b.f.Fd())
	<-b.sem
	if err != nil {
		return fmt.Errorf("unlock %s: %w", b.path, err)
	}
	return nil
}

// Close implements Backend.Close. The lock file itself is left on disk so
// that other processes keep locking the same inode.
func (b *File) Close() error {
	return b.f.Close()
}
