// Package file provides the low-level file operations the vault layer
// is built on: inode and hardlink inspection, mtime resets, advisory
// locking and filesystem limits.
package file

import (
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when a non-blocking lock cannot be acquired
var ErrLocked = errors.New("file is locked by another process")

// IsRegular checks whether path is a regular file, without following
// symlinks
func IsRegular(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// Sys returns the raw stat for path
func Sys(path string) (*syscall.Stat_t, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, errors.Errorf("no raw stat available for %q", path)
	}
	return st, nil
}

// Inode returns the inode ID for the given file
func Inode(path string) (uint64, error) {
	st, err := Sys(path)
	if err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// Device returns the device ID for the given file
func Device(path string) (uint64, error) {
	st, err := Sys(path)
	if err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}

// Hardlinks returns the number of hardlinks for the given file
func Hardlinks(path string) (int, error) {
	st, err := Sys(path)
	if err != nil {
		return 0, err
	}
	return int(st.Nlink), nil
}

// Delete unlinks the given file. While trivial, this is for the sake
// of centralisation: all deletes must go through here.
func Delete(path string) error {
	return os.Remove(path)
}

// Touch sets the access and modification times of path to now
func Touch(path string) error {
	now := time.Now()
	return os.Chtimes(path, now, now)
}

// NameMax returns the maximum filename length for the filesystem
// containing path. Lustre and friends may differ from the usual 255,
// so it must be queried rather than assumed.
func NameMax(path string) int {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil || st.Namelen <= 0 {
		return 255
	}
	return int(st.Namelen)
}

// Lock is a held advisory lock on a file
type Lock struct {
	f *os.File
}

// TryLock attempts to take an exclusive, non-blocking advisory lock on
// path. It returns ErrLocked if another process holds the lock; the
// caller must Release the lock when done. Probing must be non-blocking
// to avoid livelock with interactive writers.
func TryLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release drops the lock
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if closeErr := l.f.Close(); err == nil {
		err = closeErr
	}
	l.f = nil
	return err
}

// Locked reports whether an exclusive lock on path is held elsewhere
func Locked(path string) bool {
	lock, err := TryLock(path)
	if err != nil {
		return errors.Is(err, ErrLocked)
	}
	_ = lock.Release()
	return false
}
