package storage

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/Felmond13/manifold/errs"
)

// headerMagic is 9 bytes including a line-ending sentinel so that an
// accidental text-mode transfer (CRLF<->LF translation) is caught at open
// instead of silently corrupting the header.
var headerMagic = [9]byte{'M', 'A', 'N', 'F', 'L', 'D', 0x0d, 0x0a, 0x00}

const headerVersion byte = 1

// Segment is a contiguous physical byte range in the shared file.
type Segment struct {
	Offset int64
	Size   int64
}

// End returns the first byte offset past the segment.
func (s Segment) End() int64 { return s.Offset + s.Size }

// CFEntry is one column family's directory entry: its name and the ordered
// list of physical segments that make up its partition.
type CFEntry struct {
	Name     string
	Segments []Segment
}

// TotalSize returns the sum of this CF's segment sizes.
func (e *CFEntry) TotalSize() int64 {
	var total int64
	for _, s := range e.Segments {
		total += s.Size
	}
	return total
}

// MasterHeader is the on-disk directory of column families, their segments,
// and free segments, stored in page 0 of the shared file.
type MasterHeader struct {
	Version      byte
	CFs          []*CFEntry
	Free         []Segment
	AllocatedEnd int64 // logical end of allocated file space; grows, never shrinks
}

// NewMasterHeader creates the header for a brand-new file: zero CFs, the
// header page itself already accounted for.
func NewMasterHeader() *MasterHeader {
	return &MasterHeader{
		Version:      headerVersion,
		AllocatedEnd: PageSize,
	}
}

// CF returns the entry for name, or nil if it does not exist.
func (h *MasterHeader) CF(name string) *CFEntry {
	for _, e := range h.CFs {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Names returns a snapshot of all column family names.
func (h *MasterHeader) Names() []string {
	names := make([]string, 0, len(h.CFs))
	for _, e := range h.CFs {
		names = append(names, e.Name)
	}
	return names
}

// Encode serializes the header into exactly one zero-padded page.
//
// Layout: magic(9) version(1) cfCount(4) { nameLen(2) name cfSegCount(2)
// {offset(8) size(8)}... }... freeSegCount(4) {offset(8) size(8)}...
// allocatedEnd(8) crc32(4), zero-padded to PageSize.
func (h *MasterHeader) Encode() []byte {
	buf := make([]byte, PageSize)
	off := 0
	copy(buf[off:], headerMagic[:])
	off += len(headerMagic)
	buf[off] = h.Version
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(h.CFs)))
	off += 4

	for _, e := range h.CFs {
		nameBytes := []byte(e.Name)
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(nameBytes)))
		off += 2
		copy(buf[off:], nameBytes)
		off += len(nameBytes)
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Segments)))
		off += 2
		for _, s := range e.Segments {
			binary.LittleEndian.PutUint64(buf[off:], uint64(s.Offset))
			off += 8
			binary.LittleEndian.PutUint64(buf[off:], uint64(s.Size))
			off += 8
		}
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(h.Free)))
	off += 4
	for _, s := range h.Free {
		binary.LittleEndian.PutUint64(buf[off:], uint64(s.Offset))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(s.Size))
		off += 8
	}

	binary.LittleEndian.PutUint64(buf[off:], uint64(h.AllocatedEnd))
	off += 8

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
	off += 4

	return buf
}

// DecodeMasterHeader parses and validates a previously Encode-d page.
func DecodeMasterHeader(page []byte) (*MasterHeader, error) {
	if len(page) != PageSize {
		return nil, errs.Newf(errs.Corruption, "master header page must be %d bytes, got %d", PageSize, len(page))
	}
	off := 0
	if string(page[off:off+len(headerMagic)]) != string(headerMagic[:]) {
		return nil, errs.New(errs.Corruption, "bad master header magic (possible text-mode transfer corruption)")
	}
	off += len(headerMagic)

	h := &MasterHeader{Version: page[off]}
	off++
	if h.Version != headerVersion {
		return nil, errs.Newf(errs.UpgradeRequired, "master header version %d unsupported (want %d)", h.Version, headerVersion)
	}

	cfCount := binary.LittleEndian.Uint32(page[off:])
	off += 4

	for i := uint32(0); i < cfCount; i++ {
		if off+2 > PageSize {
			return nil, errs.New(errs.Corruption, "master header truncated while reading CF name length")
		}
		nameLen := int(binary.LittleEndian.Uint16(page[off:]))
		off += 2
		if off+nameLen > PageSize {
			return nil, errs.New(errs.Corruption, "master header truncated while reading CF name")
		}
		name := string(page[off : off+nameLen])
		off += nameLen

		if off+2 > PageSize {
			return nil, errs.New(errs.Corruption, "master header truncated while reading segment count")
		}
		segCount := int(binary.LittleEndian.Uint16(page[off:]))
		off += 2

		segs := make([]Segment, 0, segCount)
		for j := 0; j < segCount; j++ {
			if off+16 > PageSize {
				return nil, errs.New(errs.Corruption, "master header truncated while reading segment")
			}
			o := int64(binary.LittleEndian.Uint64(page[off:]))
			off += 8
			sz := int64(binary.LittleEndian.Uint64(page[off:]))
			off += 8
			segs = append(segs, Segment{Offset: o, Size: sz})
		}
		h.CFs = append(h.CFs, &CFEntry{Name: name, Segments: segs})
	}

	if off+4 > PageSize {
		return nil, errs.New(errs.Corruption, "master header truncated while reading free-segment count")
	}
	freeCount := int(binary.LittleEndian.Uint32(page[off:]))
	off += 4
	for j := 0; j < freeCount; j++ {
		if off+16 > PageSize {
			return nil, errs.New(errs.Corruption, "master header truncated while reading free segment")
		}
		o := int64(binary.LittleEndian.Uint64(page[off:]))
		off += 8
		sz := int64(binary.LittleEndian.Uint64(page[off:]))
		off += 8
		h.Free = append(h.Free, Segment{Offset: o, Size: sz})
	}

	if off+8 > PageSize {
		return nil, errs.New(errs.Corruption, "master header truncated while reading allocated-end")
	}
	h.AllocatedEnd = int64(binary.LittleEndian.Uint64(page[off:]))
	off += 8

	if off+4 > PageSize {
		return nil, errs.New(errs.Corruption, "master header truncated while reading tail CRC")
	}
	storedCRC := binary.LittleEndian.Uint32(page[off:])
	computed := crc32.ChecksumIEEE(page[:off])
	if storedCRC != computed {
		return nil, errs.New(errs.Corruption, "master header CRC mismatch")
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate enforces the structural invariants of the header: unique
// non-empty names, page-aligned non-overlapping segments, no segment starting
// inside the master header page, and strictly positive segment sizes.
func (h *MasterHeader) Validate() error {
	seen := make(map[string]bool, len(h.CFs))
	type ranged struct {
		offset, size int64
		owner        string
	}
	var all []ranged

	for _, e := range h.CFs {
		if e.Name == "" {
			return errs.New(errs.Corruption, "column family with empty name")
		}
		if seen[e.Name] {
			return errs.Newf(errs.Corruption, "duplicate column family name %q", e.Name)
		}
		seen[e.Name] = true
		for _, s := range e.Segments {
			if s.Size <= 0 {
				return errs.Newf(errs.Corruption, "CF %q has non-positive segment size %d", e.Name, s.Size)
			}
			if s.Offset%PageSize != 0 {
				return errs.Newf(errs.Corruption, "CF %q segment offset %d not page-aligned", e.Name, s.Offset)
			}
			if s.Offset < PageSize {
				return errs.Newf(errs.Corruption, "CF %q segment offset %d inside the master header page", e.Name, s.Offset)
			}
			all = append(all, ranged{s.Offset, s.Size, e.Name})
		}
	}
	for _, s := range h.Free {
		if s.Size <= 0 {
			return errs.Newf(errs.Corruption, "free segment has non-positive size %d", s.Size)
		}
		if s.Offset < PageSize {
			return errs.Newf(errs.Corruption, "free segment offset %d inside the master header page", s.Offset)
		}
		all = append(all, ranged{s.Offset, s.Size, "<free>"})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].offset < all[j].offset })
	for i := 1; i < len(all); i++ {
		if all[i].offset < all[i-1].offset+all[i-1].size {
			return errs.Newf(errs.Corruption, "segment range overlap between %q and %q", all[i-1].owner, all[i].owner)
		}
	}
	if len(h.CFs) > 0 {
		first := h.CFs[0]
		if len(first.Segments) > 0 {
			// The first CF need not hold the lowest offset once CFs can be
			// created in any order and segments reused from the free list; the
			// invariant that matters, no segment starting before PageSize, is
			// checked per segment above.
			_ = first
		}
	}
	return nil
}
