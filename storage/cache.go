package storage

import (
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Felmond13/manifold/errs"
)

// CachedFile is the L4 paged cached virtual file: every read/write the page
// store issues for one CF passes through here. It maintains a read cache and
// a dirty write buffer, both byte-budgeted LRUs keyed by virtual page
// offset, and flushes the write buffer by sorting dirty pages and coalescing
// contiguous runs into single positional writes — kernels serialize writes
// per-inode, so fewer, larger writes let independent CFs flush in parallel
// without starving each other.
type CachedFile struct {
	mu sync.Mutex

	partition *Partition
	pageSize  int

	readCache  *lru.Cache[int64, []byte]
	readBudget int
	readUsed   int

	writeBuf    *lru.Cache[int64, []byte]
	writeBudget int
	writeUsed   int

	flushErr error // sticky: once a flush fails, further writes refuse silently swallowing data loss
}

// NewCachedFile wraps partition with byte-budgeted read and write caches.
// readBudget/writeBudget are in bytes; pageSize is the fixed page size used
// for all I/O through this layer.
func NewCachedFile(partition *Partition, pageSize, readBudget, writeBudget int) *CachedFile {
	cf := &CachedFile{
		partition:   partition,
		pageSize:    pageSize,
		readBudget:  readBudget,
		writeBudget: writeBudget,
	}
	// Size is unbounded by count; eviction is driven entirely by our own
	// byte-budget bookkeeping in the Add path below, not by the library's
	// count-based capacity.
	cf.readCache, _ = lru.NewWithEvict[int64, []byte](math.MaxInt32>>4, cf.onEvictRead)
	cf.writeBuf, _ = lru.NewWithEvict[int64, []byte](math.MaxInt32>>4, cf.onEvictWrite)
	return cf
}

func (cf *CachedFile) onEvictRead(key int64, value []byte) {
	cf.readUsed -= len(value)
}

// onEvictWrite fires when the write buffer evicts its least-recently-used
// dirty page to stay under budget. Eviction here means flush-then-drop: the
// page is written through to the partition so no committed data is lost.
func (cf *CachedFile) onEvictWrite(key int64, value []byte) {
	cf.writeUsed -= len(value)
	if cf.flushErr != nil {
		return
	}
	if _, err := cf.partition.WriteAt(value, key); err != nil {
		cf.flushErr = err
	}
}

// ReadPage returns the current contents of the page at virtual offset
// pageOffset, consulting the write buffer before the read cache before disk.
func (cf *CachedFile) ReadPage(pageOffset int64) ([]byte, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if data, ok := cf.writeBuf.Get(pageOffset); ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if data, ok := cf.readCache.Get(pageOffset); ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	buf := make([]byte, cf.pageSize)
	if _, err := cf.partition.ReadAt(buf, pageOffset); err != nil {
		return nil, err
	}
	cf.putRead(pageOffset, buf)
	return buf, nil
}

func (cf *CachedFile) putRead(pageOffset int64, data []byte) {
	if old, ok := cf.readCache.Peek(pageOffset); ok {
		cf.readUsed -= len(old)
	}
	cf.readCache.Add(pageOffset, data)
	cf.readUsed += len(data)
	for cf.readUsed > cf.readBudget && cf.readCache.Len() > 1 {
		cf.readCache.RemoveOldest()
	}
}

// WritePage places data in the write buffer at pageOffset and invalidates any
// stale read-cache entry at the same offset. Eviction (flush) happens lazily
// when the write buffer exceeds its byte budget.
func (cf *CachedFile) WritePage(pageOffset int64, data []byte) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if cf.flushErr != nil {
		return errs.Wrap(errs.Io, "cached file has a sticky flush error", cf.flushErr)
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	cf.readCache.Remove(pageOffset)

	if old, ok := cf.writeBuf.Peek(pageOffset); ok {
		cf.writeUsed -= len(old)
	}
	cf.writeBuf.Add(pageOffset, owned)
	cf.writeUsed += len(owned)

	for cf.writeUsed > cf.writeBudget && cf.writeBuf.Len() > 1 {
		cf.writeBuf.RemoveOldest()
		if cf.flushErr != nil {
			return errs.Wrap(errs.Io, "write-buffer eviction flush failed", cf.flushErr)
		}
	}
	return nil
}

// FlushWriteBuffer drains the dirty write buffer into the partition. Dirty
// pages are sorted by offset and contiguous runs (offset+len == next offset)
// are coalesced into a single positional write, collapsing what could be
// many small page writes into few large ones.
func (cf *CachedFile) FlushWriteBuffer() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.flushLocked()
}

func (cf *CachedFile) flushLocked() error {
	if cf.flushErr != nil {
		return errs.Wrap(errs.Io, "cached file has a sticky flush error", cf.flushErr)
	}
	keys := cf.writeBuf.Keys()
	if len(keys) == 0 {
		return nil
	}

	type dirty struct {
		offset int64
		data   []byte
	}
	pending := make([]dirty, 0, len(keys))
	for _, k := range keys {
		if v, ok := cf.writeBuf.Peek(k); ok {
			pending = append(pending, dirty{offset: k, data: v})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].offset < pending[j].offset })

	i := 0
	for i < len(pending) {
		start := pending[i].offset
		buf := append([]byte(nil), pending[i].data...)
		j := i + 1
		for j < len(pending) && pending[j].offset == start+int64(len(buf)) {
			buf = append(buf, pending[j].data...)
			j++
		}
		if _, err := cf.partition.WriteAt(buf, start); err != nil {
			cf.flushErr = err
			return errs.Wrap(errs.Io, "flush write buffer", err)
		}
		i = j
	}

	// Purge fires onEvictWrite for every entry; a non-nil flushErr makes it
	// skip writing the pages a second time, one by one.
	cf.flushErr = errs.New(errs.Io, "write buffer purge in progress")
	cf.writeBuf.Purge()
	cf.flushErr = nil
	cf.writeUsed = 0
	return nil
}

// Sync flushes the write buffer and fsyncs the underlying partition.
func (cf *CachedFile) Sync() error {
	cf.mu.Lock()
	if err := cf.flushLocked(); err != nil {
		cf.mu.Unlock()
		return err
	}
	cf.mu.Unlock()
	return cf.partition.Sync()
}

// Len returns the partition's current virtual length.
func (cf *CachedFile) Len() (int64, error) {
	return cf.partition.Len()
}

// SetLen grows the partition to at least n bytes.
func (cf *CachedFile) SetLen(n int64) error {
	return cf.partition.SetLen(n)
}

// ClearCaches drops all cached pages without flushing — used after a
// rollback that has restored the partition's on-disk contents out from under
// the cache.
func (cf *CachedFile) ClearCaches() {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.readCache.Purge()
	cf.readUsed = 0
	// A non-nil flushErr keeps onEvictWrite from writing the dropped pages.
	cf.flushErr = errs.New(errs.Io, "clearing caches")
	cf.writeBuf.Purge()
	cf.writeUsed = 0
	cf.flushErr = nil
}
