package storage

// FileLock is the exported, platform-independent handle returned by
// LockFile, wrapping the unix/windows fileLock implementation.
type FileLock struct {
	inner *fileLock
}

// LockFile acquires an exclusive, non-blocking advisory lock on path,
// failing with errs.LockConflict if another process already holds it.
func LockFile(path string) (*FileLock, error) {
	fl, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	return &FileLock{inner: fl}, nil
}

// Unlock releases the lock and removes the lock file.
func (l *FileLock) Unlock() error {
	return l.inner.unlock()
}
