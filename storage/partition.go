package storage

import (
	"sync"

	"github.com/Felmond13/manifold/errs"
)

// ExpandFunc is invoked when a write would exceed the partition's current
// capacity. It must allocate at least minAdditional bytes for the partition's
// CF, persist the master header, and return the CF's full, updated segment
// list. Implementations take the coordinator's growth lock internally —
// callers must not hold any per-CF lock while invoking it, to avoid a
// lock-ordering cycle against other CFs growing concurrently.
type ExpandFunc func(minAdditional int64) ([]Segment, error)

// Partition exposes one column family's segments as a contiguous virtual
// file starting at offset 0, on top of a shared Handle into the underlying
// backend. It is the L3 layer: translation, bounds-checking, and
// auto-expansion live here; caching lives one layer up.
type Partition struct {
	mu         sync.RWMutex
	handle     *Handle
	segments   []Segment
	maxWritten int64 // -1 == nothing written yet => Len() == 0
	expand     ExpandFunc
}

// NewPartition wraps handle as a virtual file over segments, invoking expand
// when a write exceeds current capacity.
func NewPartition(handle *Handle, segments []Segment, expand ExpandFunc) *Partition {
	return &Partition{
		handle:     handle,
		segments:   append([]Segment(nil), segments...),
		maxWritten: -1,
		expand:     expand,
	}
}

// Segments returns a snapshot of the current segment list.
func (p *Partition) Segments() []Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Segment(nil), p.segments...)
}

func (p *Partition) capacityLocked() int64 {
	var total int64
	for _, s := range p.segments {
		total += s.Size
	}
	return total
}

// Len reports the virtual length of the partition: the lesser of total
// allocated capacity and one past the highest byte ever written. A freshly
// allocated, never-written partition reports 0, which the page store uses to
// detect an uninitialized instance.
func (p *Partition) Len() (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.maxWritten < 0 {
		return 0, nil
	}
	cap := p.capacityLocked()
	written := p.maxWritten + 1
	if written < cap {
		return written, nil
	}
	return cap, nil
}

// physLocked maps a virtual range [v, v+n) onto a sequence of (physical offset,
// length) chunks, each wholly within one segment.
func (p *Partition) physLocked(v, n int64) ([]physChunk, error) {
	if v < 0 || n < 0 {
		return nil, errs.Newf(errs.OutOfBounds, "negative virtual range [%d,%d)", v, v+n)
	}
	var chunks []physChunk
	cum := int64(0)
	remainingStart := v
	remainingLen := n
	for _, s := range p.segments {
		segEnd := cum + s.Size
		if remainingLen > 0 && remainingStart >= cum && remainingStart < segEnd {
			avail := segEnd - remainingStart
			take := remainingLen
			if take > avail {
				take = avail
			}
			chunks = append(chunks, physChunk{
				physOffset: s.Offset + (remainingStart - cum),
				length:     take,
			})
			remainingStart += take
			remainingLen -= take
		}
		cum = segEnd
		if remainingLen == 0 {
			break
		}
	}
	if remainingLen > 0 {
		return nil, errs.Newf(errs.OutOfBounds, "virtual range [%d,%d) exceeds partition capacity %d", v, v+n, p.capacityLocked())
	}
	return chunks, nil
}

type physChunk struct {
	physOffset int64
	length     int64
}

// ReadAt reads len(p) bytes starting at virtual offset off. Reads past the
// current virtual length fail with errs.OutOfBounds.
func (pt *Partition) ReadAt(buf []byte, off int64) (int, error) {
	pt.mu.RLock()
	length, err := pt.lenLocked()
	if err != nil {
		pt.mu.RUnlock()
		return 0, err
	}
	if off+int64(len(buf)) > length {
		pt.mu.RUnlock()
		return 0, errs.Newf(errs.OutOfBounds, "read [%d,%d) exceeds partition length %d", off, off+int64(len(buf)), length)
	}
	chunks, err := pt.physLocked(off, int64(len(buf)))
	if err != nil {
		pt.mu.RUnlock()
		return 0, err
	}
	handle := pt.handle
	pt.mu.RUnlock()

	pos := 0
	for _, c := range chunks {
		n, err := handle.File().ReadAt(buf[pos:pos+int(c.length)], c.physOffset)
		pos += n
		if err != nil {
			return pos, err
		}
	}
	return pos, nil
}

func (pt *Partition) lenLocked() (int64, error) {
	if pt.maxWritten < 0 {
		return 0, nil
	}
	cap := pt.capacityLocked()
	written := pt.maxWritten + 1
	if written < cap {
		return written, nil
	}
	return cap, nil
}

// WriteAt writes buf at virtual offset off, growing the partition (via the
// expansion callback) if the write would exceed current capacity.
func (pt *Partition) WriteAt(buf []byte, off int64) (int, error) {
	if err := pt.ensureCapacity(off + int64(len(buf))); err != nil {
		return 0, err
	}

	pt.mu.RLock()
	chunks, err := pt.physLocked(off, int64(len(buf)))
	handle := pt.handle
	pt.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	pos := 0
	for _, c := range chunks {
		n, err := handle.File().WriteAt(buf[pos:pos+int(c.length)], c.physOffset)
		pos += n
		if err != nil {
			return pos, err
		}
	}

	pt.mu.Lock()
	end := off + int64(len(buf)) - 1
	if end > pt.maxWritten {
		pt.maxWritten = end
	}
	pt.mu.Unlock()
	return pos, nil
}

// SetLen grows the partition's capacity to at least n, via the expansion
// callback, and advances the recorded virtual length. It never shrinks.
func (pt *Partition) SetLen(n int64) error {
	if n <= 0 {
		return nil
	}
	if err := pt.ensureCapacity(n); err != nil {
		return err
	}
	pt.mu.Lock()
	if n-1 > pt.maxWritten {
		pt.maxWritten = n - 1
	}
	pt.mu.Unlock()
	return nil
}

// ensureCapacity grows the partition's segment list so it can hold upto
// bytes, invoking expand once without holding pt.mu and adopting the segment
// list the callback returns. If that list is still too small it fails with
// errs.OutOfSpace; it does not call expand again.
func (pt *Partition) ensureCapacity(upto int64) error {
	pt.mu.RLock()
	cap := pt.capacityLocked()
	pt.mu.RUnlock()
	if upto <= cap {
		return nil
	}
	if pt.expand == nil {
		return errs.Newf(errs.OutOfSpace, "partition exhausted at %d bytes and no expansion configured", cap)
	}
	newSegments, err := pt.expand(upto - cap)
	if err != nil {
		return errs.Wrap(errs.OutOfSpace, "auto-expand partition", err)
	}
	pt.mu.Lock()
	pt.segments = newSegments
	newCap := pt.capacityLocked()
	pt.mu.Unlock()
	if newCap < upto {
		return errs.Newf(errs.OutOfSpace, "auto-expand returned insufficient capacity (%d < %d)", newCap, upto)
	}
	return nil
}

// Sync flushes the underlying handle's durability guarantee.
func (pt *Partition) Sync() error {
	pt.mu.RLock()
	handle := pt.handle
	pt.mu.RUnlock()
	return handle.File().Sync()
}
