package storage

import (
	"sort"

	"github.com/Felmond13/manifold/errs"
)

// alignUp rounds n up to the next multiple of PageSize.
func alignUp(n int64) int64 {
	if n%PageSize == 0 {
		return n
	}
	return (n/PageSize + 1) * PageSize
}

// Allocate hands out a new segment of at least minSize bytes (rounded up to a
// page boundary), preferring to reuse a free segment (best fit, split if
// larger) before growing the file. It mutates h.Free and h.AllocatedEnd but
// does NOT append the segment to any CF's entry — the caller does that after
// deciding which CF the segment belongs to, so the two mutations land in one
// atomic header rewrite.
func (h *MasterHeader) Allocate(minSize int64) Segment {
	size := alignUp(minSize)

	bestIdx := -1
	for i, f := range h.Free {
		if f.Size >= size && (bestIdx == -1 || f.Size < h.Free[bestIdx].Size) {
			bestIdx = i
		}
	}
	if bestIdx != -1 {
		f := h.Free[bestIdx]
		h.Free = append(h.Free[:bestIdx], h.Free[bestIdx+1:]...)
		if f.Size > size {
			h.Free = append(h.Free, Segment{Offset: f.Offset + size, Size: f.Size - size})
		}
		return Segment{Offset: f.Offset, Size: size}
	}

	seg := Segment{Offset: h.AllocatedEnd, Size: size}
	h.AllocatedEnd += size
	return seg
}

// Release returns segs to the free list, merging adjacent ranges to bound
// fragmentation. Used by DropColumnFamily: segments are never returned to the
// OS (the backing file never shrinks), only made available for reuse.
func (h *MasterHeader) Release(segs []Segment) {
	h.Free = append(h.Free, segs...)
	h.Free = mergeSegments(h.Free)
}

func mergeSegments(segs []Segment) []Segment {
	if len(segs) < 2 {
		return segs
	}
	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	merged := make([]Segment, 0, len(sorted))
	cur := sorted[0]
	for _, s := range sorted[1:] {
		if cur.End() == s.Offset {
			cur.Size += s.Size
		} else {
			merged = append(merged, cur)
			cur = s
		}
	}
	merged = append(merged, cur)
	return merged
}

// ExtendCF allocates an additional segment of at least minSize bytes and
// appends it to the named CF's segment list. Returns errs.NotFound if the CF
// does not exist.
func (h *MasterHeader) ExtendCF(name string, minSize int64) (Segment, error) {
	e := h.CF(name)
	if e == nil {
		return Segment{}, errs.Newf(errs.NotFound, "column family %q not found", name)
	}
	seg := h.Allocate(minSize)
	e.Segments = append(e.Segments, seg)
	return seg, nil
}

// CreateCF allocates an initial segment and registers a new CF entry. Returns
// errs.AlreadyExists if the name is taken.
func (h *MasterHeader) CreateCF(name string, initialSize int64) (*CFEntry, error) {
	if h.CF(name) != nil {
		return nil, errs.Newf(errs.AlreadyExists, "column family %q already exists", name)
	}
	seg := h.Allocate(initialSize)
	e := &CFEntry{Name: name, Segments: []Segment{seg}}
	h.CFs = append(h.CFs, e)
	return e, nil
}

// DropCF removes the CF entry and releases its segments back to the free
// list. Returns errs.NotFound if the CF does not exist.
func (h *MasterHeader) DropCF(name string) error {
	for i, e := range h.CFs {
		if e.Name == name {
			h.CFs = append(h.CFs[:i], h.CFs[i+1:]...)
			h.Release(e.Segments)
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "column family %q not found", name)
}

// Clone returns a deep copy, used to snapshot state before a speculative
// mutation that must roll back on persistence failure.
func (h *MasterHeader) Clone() *MasterHeader {
	clone := &MasterHeader{
		Version:      h.Version,
		AllocatedEnd: h.AllocatedEnd,
	}
	clone.Free = append(clone.Free, h.Free...)
	for _, e := range h.CFs {
		ce := &CFEntry{Name: e.Name}
		ce.Segments = append(ce.Segments, e.Segments...)
		clone.CFs = append(clone.CFs, ce)
	}
	return clone
}
