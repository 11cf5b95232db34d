package storage

import (
	"sync"

	"github.com/Felmond13/manifold/errs"
)

// MemFile implements File backed by a byte slice, for tests that need a fast,
// deterministic backend without touching disk.
type MemFile struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemFile creates a new, empty in-memory file.
func NewMemFile() *MemFile {
	return &MemFile{}
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errs.Newf(errs.OutOfBounds, "read %d bytes at %d (len=%d)", len(p), off, len(m.data))
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errs.Newf(errs.OutOfBounds, "write %d bytes at %d exceeds length %d; call SetLen first", len(p), off, len(m.data))
	}
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *MemFile) Len() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

func (m *MemFile) SetLen(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		return errs.Newf(errs.OutOfBounds, "negative length %d", n)
	}
	if n <= int64(len(m.data)) {
		m.data = m.data[:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *MemFile) Sync() error  { return nil }
func (m *MemFile) Close() error { return nil }
