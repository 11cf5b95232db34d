//go:build windows

package storage

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/Felmond13/manifold/errs"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock = 0x00000002
	lockfileFailImmediate = 0x00000001
)

// fileLock is an OS-level advisory lock guarding against two processes
// opening the same database file (see filelock_unix.go for the rationale).
type fileLock struct {
	file *os.File
}

func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "open lock file", err)
	}

	ol := new(syscall.Overlapped)
	r1, _, _ := procLockFileEx.Call(
		f.Fd(),
		uintptr(lockfileExclusiveLock|lockfileFailImmediate),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	if r1 == 0 {
		f.Close()
		return nil, errs.Newf(errs.LockConflict, "database %q is locked by another process", path)
	}
	return &fileLock{file: f}, nil
}

func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	ol := new(syscall.Overlapped)
	procUnlockFileEx.Call(
		fl.file.Fd(),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
