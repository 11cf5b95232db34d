//go:build !windows && !js && !wasip1

package storage

import (
	"os"
	"syscall"

	"github.com/Felmond13/manifold/errs"
)

// fileLock is an OS-level advisory lock (flock) guarding against two
// processes opening the same database file. Manifold does not support
// multi-process writers; this lock turns that violation into an immediate,
// clear failure instead of silent corruption.
type fileLock struct {
	file *os.File
}

// lockFile acquires an exclusive, non-blocking lock on path+".lock".
func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "open lock file", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errs.Newf(errs.LockConflict, "database %q is locked by another process", path)
	}
	return &fileLock{file: f}, nil
}

// unlock releases the lock and removes the lock file.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
