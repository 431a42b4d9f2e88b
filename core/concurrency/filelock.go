// Package concurrency implements the single-writer, many-reader discipline
// sitting above the Pager/WAL/recovery layers: an OS advisory lock on a
// `.lock` sidecar file for inter-process exclusion, a poisonable Session
// handle wrapping (Pager, WAL, Transaction?, PoisonFlag, CheckpointPolicy),
// and the checkpoint-trigger policy (spec.md §4.9, §5, §6).
package concurrency

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tokuhirom/murodb/core/dberr"
)

// FileLock wraps an OS advisory lock (flock(2)) on a sidecar file. Its
// contents are never interpreted; it exists only as a stable file
// descriptor target (spec.md §4.9, §6).
type FileLock struct {
	path string
	fd   int
}

// OpenFileLock opens (creating if necessary) the sidecar file at path,
// without acquiring any lock yet.
func OpenFileLock(path string) (*FileLock, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file %s: %v", dberr.ErrIO, path, err)
	}
	return &FileLock{path: path, fd: fd}, nil
}

// LockShared acquires a shared (reader) advisory lock, blocking until
// available.
func (l *FileLock) LockShared() error {
	if err := unix.Flock(l.fd, unix.LOCK_SH); err != nil {
		return fmt.Errorf("%w: flock shared %s: %v", dberr.ErrIO, l.path, err)
	}
	return nil
}

// LockExclusive acquires an exclusive (writer) advisory lock, blocking
// until available.
func (l *FileLock) LockExclusive() error {
	if err := unix.Flock(l.fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("%w: flock exclusive %s: %v", dberr.ErrIO, l.path, err)
	}
	return nil
}

// Unlock releases whichever lock is currently held.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("%w: flock unlock %s: %v", dberr.ErrIO, l.path, err)
	}
	return nil
}

// Close releases the lock and closes the underlying descriptor.
func (l *FileLock) Close() error {
	_ = l.Unlock()
	if err := unix.Close(l.fd); err != nil {
		return fmt.Errorf("%w: close lock file %s: %v", dberr.ErrIO, l.path, err)
	}
	return nil
}
