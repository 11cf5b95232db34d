// Package pagestore implements the copy-on-write B-tree page store that
// sits on top of one column family's paged cached virtual file: page
// allocation and freeing (region-based bitmap allocator), MVCC via a
// lock-free header snapshot, and the non-durable / durable / apply-from-WAL
// commit paths.
package pagestore

import "encoding/binary"

// PageNull is the sentinel "no page" value, analogous to a nil pointer.
const PageNull uint32 = 0

// RootRef identifies a B-tree root at a point in time: which page it lives
// on, a content checksum (xxhash64) guarding against silent corruption, and
// the id of the transaction that produced it.
type RootRef struct {
	PageNumber uint32
	Checksum   uint64
	TxnID      uint64
}

// IsNil reports whether this root points at no page (an empty tree).
func (r RootRef) IsNil() bool { return r.PageNumber == PageNull }

func (r RootRef) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], r.PageNumber)
	binary.LittleEndian.PutUint64(buf[4:], r.Checksum)
	binary.LittleEndian.PutUint64(buf[12:], r.TxnID)
}

func decodeRootRef(buf []byte) RootRef {
	return RootRef{
		PageNumber: binary.LittleEndian.Uint32(buf[0:]),
		Checksum:   binary.LittleEndian.Uint64(buf[4:]),
		TxnID:      binary.LittleEndian.Uint64(buf[12:]),
	}
}

const rootRefSize = 4 + 8 + 8

// Header is the in-memory, atomically-swappable snapshot of roots that read
// transactions observe without taking the allocator mutex — an
// atomic.Pointer swap standing in for an ArcSwap-style published header.
type Header struct {
	UserRoot   RootRef
	SystemRoot RootRef
	TxnID      uint64
}

// Payload is what a WAL entry carries for one committed transaction on one
// CF: enough to replay the commit exactly, without re-running any B-tree
// logic (see ApplyTransaction).
type Payload struct {
	UserRoot       *RootRef
	SystemRoot     *RootRef
	TxnID          uint64
	FreedPages     []uint32
	AllocatedPages []uint32
	Durable        bool
}
