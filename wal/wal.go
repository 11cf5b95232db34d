// Package wal implements the single write-ahead log shared by every column
// family in a database: one append-only file, one mutex serializing
// appends, and a group-commit fsync so concurrent committers across
// different CFs pay for one fsync instead of one each.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Felmond13/manifold/concurrency"
	"github.com/Felmond13/manifold/errs"
	"github.com/Felmond13/manifold/pagestore"
)

// walHeaderSize matches the spec's 512-byte WAL header: magic, version,
// oldest/latest sequence bounds, and a CRC32 over the rest, zero-padded.
const walHeaderSize = 512

// headerBodySize is the portion of the header actually covered by its CRC:
// magic(4) + version(4) + oldestSeq(8) + latestSeq(8).
const headerBodySize = 24

var walMagic = [4]byte{'M', 'W', 'A', 'L'}

const walVersion uint32 = 1

// WAL is the shared write-ahead log. Safe for concurrent use by multiple
// column families.
type WAL struct {
	mu      sync.Mutex // serializes appends and truncation so record bytes never interleave
	file    *os.File
	nextSeq uint64
	group   *concurrency.GroupCommit
	logger  *slog.Logger

	oldestSeq uint64 // persisted bookkeeping: lowest sequence still live in the log
	latestSeq uint64 // persisted bookkeeping: highest sequence still live in the log

	pendingSinceSync atomic.Int64 // bytes appended but not yet fsynced, for metrics/logging
}

// Open opens or creates the WAL file at path.
func Open(path string, logger *slog.Logger) (*WAL, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "open wal file", err)
	}
	w := &WAL{
		file:   f,
		group:  concurrency.NewGroupCommit(),
		logger: logger.With("component", "wal"),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.Io, "stat wal file", err)
	}
	if info.Size() == 0 {
		if err := w.writeHeader(1, 0); err != nil {
			f.Close()
			return nil, err
		}
		w.nextSeq = 1
		return w, nil
	}
	if err := w.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// writeHeader persists the 512-byte header with the given oldest/latest
// sequence bounds and a CRC32 over the header body, and updates the WAL's
// in-memory bookkeeping to match.
func (w *WAL) writeHeader(oldest, latest uint64) error {
	buf := make([]byte, walHeaderSize)
	copy(buf[0:4], walMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], walVersion)
	binary.LittleEndian.PutUint64(buf[8:16], oldest)
	binary.LittleEndian.PutUint64(buf[16:24], latest)
	crc := crc32.ChecksumIEEE(buf[:headerBodySize])
	binary.LittleEndian.PutUint32(buf[headerBodySize:headerBodySize+4], crc)
	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return errs.Wrap(errs.Io, "write wal header", err)
	}
	w.oldestSeq = oldest
	w.latestSeq = latest
	return nil
}

func (w *WAL) readHeader() error {
	buf := make([]byte, walHeaderSize)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return errs.Wrap(errs.Io, "read wal header", err)
	}
	if string(buf[0:4]) != string(walMagic[:]) {
		return errs.New(errs.Corruption, "wal: bad magic")
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != walVersion {
		return errs.Newf(errs.UpgradeRequired, "wal: unsupported version %d", version)
	}
	storedCRC := binary.LittleEndian.Uint32(buf[headerBodySize : headerBodySize+4])
	if crc32.ChecksumIEEE(buf[:headerBodySize]) != storedCRC {
		return errs.New(errs.Corruption, "wal: header CRC mismatch")
	}
	w.oldestSeq = binary.LittleEndian.Uint64(buf[8:16])
	w.latestSeq = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

// Append writes one entry's bytes to the log. If durable is true, the append
// is followed by a group-commit fsync that may be shared with concurrent
// callers; Append blocks until that fsync (or the error it produced)
// completes. If durable is false, the append is visible to a subsequent
// Recover only after some later durable commit (or explicit Sync) covers it.
func (w *WAL) Append(cf string, payload pagestore.Payload, durable bool) (uint64, error) {
	w.mu.Lock()
	seq := w.nextSeq
	w.nextSeq++
	rec := encodeEntry(Entry{Seq: seq, CF: cf, Payload: payload})
	_, err := w.file.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = w.file.Write(rec)
	}
	w.mu.Unlock()
	if err != nil {
		return 0, errs.Wrap(errs.Io, "append wal record", err)
	}
	w.pendingSinceSync.Add(int64(len(rec)))

	if !durable {
		return seq, nil
	}
	err = w.group.Commit(func() error {
		if err := w.file.Sync(); err != nil {
			return errs.Wrap(errs.Io, "fsync wal", err)
		}
		w.pendingSinceSync.Store(0)
		return nil
	})
	return seq, err
}

// Sync forces an fsync of everything appended so far, sharing the call with
// any concurrent Append(durable=true) via the same group-commit leader.
func (w *WAL) Sync() error {
	return w.group.Commit(func() error {
		if err := w.file.Sync(); err != nil {
			return errs.Wrap(errs.Io, "fsync wal", err)
		}
		w.pendingSinceSync.Store(0)
		return nil
	})
}

// LatestSeq returns the highest sequence number assigned to any appended
// entry so far. A checkpoint snapshots this value before flushing column
// families so it truncates only entries it has actually made durable
// elsewhere, never one appended concurrently with the flush.
func (w *WAL) LatestSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextSeq == 0 {
		return 0
	}
	return w.nextSeq - 1
}

// TruncateUpTo discards every record with sequence <= upTo, retaining any
// entry appended after a checkpoint's LatestSeq snapshot was taken (and any
// trailing truncated/corrupt record, which is dropped the same way Recover
// drops it). It rewrites the 512-byte header's oldest/latest sequence bounds
// to match what remains.
func (w *WAL) TruncateUpTo(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncateUpToLocked(upTo)
}

// Truncate discards every record currently in the log. It is a convenience
// for a caller that has just applied and durably checkpointed every entry the
// log contains, so "up to the highest sequence assigned" and "everything"
// coincide. The coordinator itself trims with TruncateUpTo.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var upTo uint64
	if w.nextSeq > 0 {
		upTo = w.nextSeq - 1
	}
	return w.truncateUpToLocked(upTo)
}

func (w *WAL) truncateUpToLocked(upTo uint64) error {
	info, err := w.file.Stat()
	if err != nil {
		return errs.Wrap(errs.Io, "stat wal for truncate", err)
	}
	size := info.Size()

	var kept []byte
	var newOldest, newLatest uint64
	haveKept := false
	offset := int64(walHeaderSize)

	for offset < size {
		chunk := make([]byte, size-offset)
		n, err := w.file.ReadAt(chunk, offset)
		if err != nil && err != io.EOF {
			return errs.Wrap(errs.Io, "read wal for truncate", err)
		}
		chunk = chunk[:n]
		if len(chunk) == 0 {
			break
		}
		e, consumed, derr := decodeEntry(chunk)
		if derr != nil {
			// Truncated or corrupt tail: nothing past here was ever durable.
			break
		}
		if e.Seq > upTo {
			kept = append(kept, chunk[:consumed]...)
			if !haveKept {
				newOldest = e.Seq
				haveKept = true
			}
			newLatest = e.Seq
		}
		offset += int64(consumed)
	}
	if !haveKept {
		newOldest = upTo + 1
		newLatest = upTo
	}

	if err := w.writeHeader(newOldest, newLatest); err != nil {
		return err
	}
	if _, err := w.file.WriteAt(kept, walHeaderSize); err != nil {
		return errs.Wrap(errs.Io, "write wal retained tail", err)
	}
	newSize := int64(walHeaderSize) + int64(len(kept))
	if err := w.file.Truncate(newSize); err != nil {
		return errs.Wrap(errs.Io, "truncate wal", err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return errs.Wrap(errs.Io, "seek wal after truncate", err)
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.Io, "fsync wal after truncate", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return errs.Wrap(errs.Io, "close wal", err)
	}
	return nil
}

// Recover scans every record from the start of the log, in order, strictly
// enforcing that each record's sequence number is exactly one greater than
// the previous (a gap means a structurally impossible log — a hard
// corruption error, not a crash artifact). The scan stops at the first
// record that fails its CRC or is too short to parse: a truncated/corrupt
// tail is the expected shape of "we crashed mid-append" and is silently
// dropped rather than treated as an error, since the preceding durable
// commit already fsynced everything that matters.
func (w *WAL) Recover() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.Io, "stat wal for recovery", err)
	}
	size := info.Size()

	var entries []Entry
	offset := int64(walHeaderSize)
	var lastSeq uint64
	first := true

	for offset < size {
		chunk := make([]byte, size-offset)
		n, err := w.file.ReadAt(chunk, offset)
		if err != nil && err != io.EOF {
			return nil, errs.Wrap(errs.Io, "read wal for recovery", err)
		}
		chunk = chunk[:n]
		if len(chunk) == 0 {
			break
		}

		e, consumed, derr := decodeEntry(chunk)
		if derr != nil {
			w.logger.Warn("wal recovery stopped at truncated or corrupt tail record", "offset", offset)
			break
		}
		if !first && e.Seq != lastSeq+1 {
			return nil, errs.Newf(errs.Corruption, "wal: sequence gap: expected %d, found %d", lastSeq+1, e.Seq)
		}
		entries = append(entries, e)
		lastSeq = e.Seq
		first = false
		offset += int64(consumed)
	}

	if lastSeq >= w.nextSeq {
		w.nextSeq = lastSeq + 1
	}
	return entries, nil
}
