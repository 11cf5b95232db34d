// Package storage implements the partitioned storage substrate: positional
// file backends (L0), a per-inode file-handle pool (L1), the master header and
// segment allocator (L2), the per-column-family virtual file (L3), and the
// paged cached virtual file with write coalescing (L4).
package storage

import (
	"fmt"
	"os"

	"github.com/Felmond13/manifold/errs"
)

// PageSize is the fixed page granularity used throughout the engine: the
// master header occupies exactly one page, CF partition offsets are
// page-aligned, and the page store allocates in page-sized units.
const PageSize = 4096

// File is the positional, synchronous interface every backend (real file or
// in-memory) must implement. Reads past the current length fail with
// errs.OutOfBounds; writes past the current length are rejected — callers
// must SetLen first.
type File interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Len() (int64, error)
	SetLen(n int64) error
	Sync() error
	Close() error
}

// OSFile adapts *os.File to the File interface, translating short reads past
// EOF into errs.OutOfBounds.
type OSFile struct {
	f *os.File
}

// OpenOSFile opens (creating if necessary) the file at path for read-write
// positional access.
func OpenOSFile(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "open file", err)
	}
	return &OSFile{f: f}, nil
}

// OpenOSFileReadOnly opens an existing file for read-only positional access.
func OpenOSFileReadOnly(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "open file read-only", err)
	}
	return &OSFile{f: f}, nil
}

func (o *OSFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := o.f.ReadAt(p, off)
	if err != nil {
		if n == len(p) {
			return n, nil
		}
		return n, errs.Wrap(errs.OutOfBounds, fmt.Sprintf("read %d bytes at %d", len(p), off), err)
	}
	return n, nil
}

func (o *OSFile) WriteAt(p []byte, off int64) (int, error) {
	length, err := o.Len()
	if err != nil {
		return 0, err
	}
	if off+int64(len(p)) > length {
		return 0, errs.Newf(errs.OutOfBounds, "write [%d,%d) exceeds file length %d", off, off+int64(len(p)), length)
	}
	n, err := o.f.WriteAt(p, off)
	if err != nil {
		return n, errs.Wrap(errs.Io, fmt.Sprintf("write %d bytes at %d", len(p), off), err)
	}
	return n, nil
}

func (o *OSFile) Len() (int64, error) {
	info, err := o.f.Stat()
	if err != nil {
		return 0, errs.Wrap(errs.Io, "stat", err)
	}
	return info.Size(), nil
}

func (o *OSFile) SetLen(n int64) error {
	if err := o.f.Truncate(n); err != nil {
		return errs.Wrap(errs.Io, fmt.Sprintf("set length %d", n), err)
	}
	return nil
}

func (o *OSFile) Sync() error {
	if err := o.f.Sync(); err != nil {
		return errs.Wrap(errs.Io, "fsync", err)
	}
	return nil
}

func (o *OSFile) Close() error {
	if err := o.f.Close(); err != nil {
		return errs.Wrap(errs.Io, "close", err)
	}
	return nil
}

// Fd exposes the underlying descriptor for the advisory file lock.
func (o *OSFile) Fd() uintptr { return o.f.Fd() }

// Name returns the underlying OS path.
func (o *OSFile) Name() string { return o.f.Name() }
