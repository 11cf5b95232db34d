package pagestore

import (
	"sync"

	"github.com/Felmond13/manifold/storage"
)

// regionPages is the number of pages tracked by a single allocator region.
// Growing one region at a time (rather than one page at a time) keeps the
// list of regions short while still letting a CF's page file grow
// incrementally instead of being pre-sized up front.
const regionPages = 4096

// region owns a fixed-size bitmap over a contiguous run of page numbers.
// Bit i set means page (startPage+i) is allocated.
type region struct {
	startPage uint32
	numPages  uint32
	bitmap    []byte // ceil(numPages/8) bytes
	free      uint32 // count of unset bits, for fast "is this region full" checks
}

func newRegion(startPage, numPages uint32) *region {
	return &region{
		startPage: startPage,
		numPages:  numPages,
		bitmap:    make([]byte, (numPages+7)/8),
		free:      numPages,
	}
}

func (r *region) isSet(i uint32) bool {
	return r.bitmap[i/8]&(1<<(i%8)) != 0
}

func (r *region) set(i uint32) {
	if !r.isSet(i) {
		r.bitmap[i/8] |= 1 << (i % 8)
		r.free--
	}
}

func (r *region) clear(i uint32) {
	if r.isSet(i) {
		r.bitmap[i/8] &^= 1 << (i % 8)
		r.free++
	}
}

func (r *region) allocate() (uint32, bool) {
	if r.free == 0 {
		return 0, false
	}
	for i := uint32(0); i < r.numPages; i++ {
		if !r.isSet(i) {
			r.set(i)
			return r.startPage + i, true
		}
	}
	return 0, false
}

// allocator is the region-based bitmap page allocator: one regionPages-sized
// bitmap per region, regions added lazily as the CF's page file grows. Page 0
// of the CF's own virtual file is reserved for the super-header and is never
// handed out: the first region starts at page 1, so page 0 has no bit at all.
type allocator struct {
	mu      sync.Mutex
	file    *storage.CachedFile
	regions []*region
}

func newAllocator(file *storage.CachedFile) *allocator {
	return &allocator{file: file}
}

// ensureCapacityLocked ensures there is at least one non-full region, adding a new one
// (and growing the underlying file to cover it) if necessary. Called with
// a.mu held.
func (a *allocator) ensureCapacityLocked() error {
	for _, r := range a.regions {
		if r.free > 0 {
			return nil
		}
	}
	return a.addRegionLocked()
}

// allocate hands out one free page number, growing the region set if needed.
func (a *allocator) allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureCapacityLocked(); err != nil {
		return 0, err
	}
	for _, r := range a.regions {
		if pg, ok := r.allocate(); ok {
			return pg, nil
		}
	}
	// ensureCapacityLocked guarantees a non-full region exists.
	panic("pagestore: allocator inconsistent: no free page after ensureCapacity")
}

// free marks pg available for reuse. Callers are responsible for holding it
// in a pending-free list until no reader can still observe it (see
// PageStore.reclaim); free must only be called once that is established.
func (a *allocator) free(pg uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if pg >= r.startPage && pg < r.startPage+r.numPages {
			r.clear(pg - r.startPage)
			return
		}
	}
}

// markAllocated marks pg as in-use without handing it out via allocate — used
// when replaying a WAL payload's allocated-page list during recovery, where
// the pages were already allocated by the original writer and must simply be
// reflected in this process's in-memory bitmap.
func (a *allocator) markAllocated(pg uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if pg >= r.startPage && pg < r.startPage+r.numPages {
			r.set(pg - r.startPage)
			return nil
		}
	}
	// Page falls in a region we haven't materialized locally yet (can happen
	// during recovery before any local allocation has grown the region set).
	for {
		if err := a.addRegionLocked(); err != nil {
			return err
		}
		last := a.regions[len(a.regions)-1]
		if pg >= last.startPage && pg < last.startPage+last.numPages {
			last.set(pg - last.startPage)
			return nil
		}
	}
}

// addRegionLocked unconditionally appends one new region, growing the
// underlying file to cover it. Called with a.mu held.
func (a *allocator) addRegionLocked() error {
	var start uint32
	if n := len(a.regions); n > 0 {
		last := a.regions[n-1]
		start = last.startPage + last.numPages
	} else {
		start = 1
	}
	r := newRegion(start, regionPages)
	needBytes := int64(start+regionPages) * int64(storage.PageSize)
	if err := a.file.SetLen(needBytes); err != nil {
		return err
	}
	a.regions = append(a.regions, r)
	return nil
}
