package pagestore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/Felmond13/manifold/errs"
	"github.com/Felmond13/manifold/storage"
)

// pendingFree is one batch of pages a committed write transaction freed.
// They cannot be reused until no reader can still observe the pre-commit
// state that referenced them, i.e. until the oldest live read transaction's
// id is greater than txnID.
type pendingFree struct {
	txnID uint64
	pages []uint32
}

// PageStore is the L5 copy-on-write B-tree page store for one column
// family's cached virtual file. Readers observe a lock-free atomic snapshot
// of the committed roots (an atomic.Pointer swap standing in for an
// ArcSwap-style published header); writers serialize through writeMu and
// perform genuine copy-on-write on every mutated page.
type PageStore struct {
	file      *storage.CachedFile
	alloc     *allocator
	god       byte
	current   atomic.Pointer[Header]
	writeMu   sync.Mutex
	txnMu     sync.Mutex // guards nextTxnID, readers, pending
	nextTxnID uint64
	readers   map[uint64]int // active read-txn refcounts, keyed by observed TxnID
	pending   []pendingFree

	ioErr atomic.Bool // sticky: once any I/O fails, the store refuses further work until reopened
}

// Open initializes a brand-new page store (empty user and system trees) on
// file, or loads an existing one if the super-header page is already
// present and valid.
func Open(file *storage.CachedFile) (*PageStore, error) {
	ps := &PageStore{
		file:    file,
		alloc:   newAllocator(file),
		readers: make(map[uint64]int),
	}

	length, err := file.Len()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		if err := ps.initEmpty(); err != nil {
			return nil, err
		}
		return ps, nil
	}

	if err := ps.readSuperHeader(); err != nil {
		return nil, err
	}
	ps.nextTxnID = ps.current.Load().TxnID + 1
	return ps, nil
}

// readSuperHeader loads page 0 (the god byte plus both transaction slots)
// through the cache and publishes the active slot as the current snapshot.
func (ps *PageStore) readSuperHeader() error {
	page, err := ps.file.ReadPage(0)
	if err != nil {
		return err
	}
	if len(page) < superHeaderSize {
		return errs.New(errs.Corruption, "page store super-header page too short")
	}
	god, h, err := decodeSuperHeader(page[:superHeaderSize])
	if err != nil {
		return err
	}
	ps.god = god
	ps.current.Store(&h)
	return nil
}

func (ps *PageStore) initEmpty() error {
	if err := ps.file.SetLen(int64(pageBodySize)); err != nil {
		return err
	}
	// Materialize the allocator's first region. Regions start at page 1 (see
	// addRegionLocked): page 0 is the super-header and is never representable
	// as an allocator bit at all, so nothing further is needed to reserve it.
	ps.alloc.mu.Lock()
	if err := ps.alloc.addRegionLocked(); err != nil {
		ps.alloc.mu.Unlock()
		return err
	}
	ps.alloc.mu.Unlock()

	ctx := ps.writeCtx(nil)
	userRoot, err := NewEmptyLeaf(ctx)
	if err != nil {
		return err
	}
	sysRoot, err := NewEmptyLeaf(ctx)
	if err != nil {
		return err
	}

	h := Header{
		UserRoot:   RootRef{PageNumber: userRoot, TxnID: 0},
		SystemRoot: RootRef{PageNumber: sysRoot, TxnID: 0},
		TxnID:      0,
	}
	ps.current.Store(&h)
	ps.nextTxnID = 1

	if err := ps.file.WritePage(0, encodeSuperHeader(0, h)); err != nil {
		return err
	}
	ps.god = 0
	return ps.file.Sync()
}

// writeSuperHeader writes h into slot god and makes it the active slot. The
// other slot keeps the previously active header.
func (ps *PageStore) writeSuperHeader(god byte, h Header) error {
	full := make([]byte, superHeaderSize)
	prev, err := ps.file.ReadPage(0)
	if err != nil {
		return err
	}
	copy(full, prev)
	full[0] = god
	slot := encodeSlot(h)
	copy(full[8+int(god)*slotSize:], slot)
	if err := ps.file.WritePage(0, full); err != nil {
		return err
	}
	ps.god = god
	return nil
}

// pageChecksum hashes a root page's current on-disk content with xxhash64,
// giving Header.UserRoot/SystemRoot a cheap integrity guard that catches a
// root pointing at a page silently corrupted by something other than this
// store (e.g. a stray write through a bypassed layer).
func (ps *PageStore) pageChecksum(pg uint32) (uint64, error) {
	data, err := ps.file.ReadPage(int64(pg) * int64(pageBodySize))
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

// VerifyRoot recomputes a root's checksum and compares it against the stored
// value, returning errs.Corruption on mismatch.
func (ps *PageStore) VerifyRoot(ref RootRef) error {
	sum, err := ps.pageChecksum(ref.PageNumber)
	if err != nil {
		return err
	}
	if sum != ref.Checksum {
		return errs.Newf(errs.Corruption, "root page %d checksum mismatch: stored %x, computed %x", ref.PageNumber, ref.Checksum, sum)
	}
	return nil
}

func (ps *PageStore) markIOErr(err error) error {
	if err != nil {
		ps.ioErr.Store(true)
	}
	return err
}

func (ps *PageStore) checkIOErr() error {
	if ps.ioErr.Load() {
		return errs.New(errs.LockConflict, "page store has a sticky I/O error from a previous failure; reopen required")
	}
	return nil
}

// readCtx builds a read-only cowContext over the page numbering scheme: page
// N lives at byte offset N*pageBodySize in the cached file.
func (ps *PageStore) readCtx() cowContext {
	return cowContext{
		read: func(pg uint32) ([]byte, error) {
			data, err := ps.file.ReadPage(int64(pg) * int64(pageBodySize))
			return data, ps.markIOErr(err)
		},
	}
}

// writeCtx builds a mutating cowContext that allocates fresh pages and
// records freed ones onto freed (appended to, not replaced — callers pass
// the same pointer across an entire transaction).
func (ps *PageStore) writeCtx(freed *[]uint32) cowContext {
	return cowContext{
		read: func(pg uint32) ([]byte, error) {
			data, err := ps.file.ReadPage(int64(pg) * int64(pageBodySize))
			return data, ps.markIOErr(err)
		},
		alloc: func(data []byte) (uint32, error) {
			pg, err := ps.alloc.allocate()
			if err != nil {
				return 0, ps.markIOErr(err)
			}
			if err := ps.file.WritePage(int64(pg)*int64(pageBodySize), data); err != nil {
				return 0, ps.markIOErr(err)
			}
			return pg, nil
		},
		free: func(pg uint32) {
			if freed != nil {
				*freed = append(*freed, pg)
			}
		},
	}
}

// ReadTxn is a snapshot-isolated read transaction: it observes the header
// committed at the time it began, unaffected by any later commit.
type ReadTxn struct {
	ps   *PageStore
	snap Header
}

// BeginRead opens a read transaction pinned to the currently committed
// snapshot.
func (ps *PageStore) BeginRead() (*ReadTxn, error) {
	if err := ps.checkIOErr(); err != nil {
		return nil, err
	}
	snap := *ps.current.Load()
	ps.txnMu.Lock()
	ps.readers[snap.TxnID]++
	ps.txnMu.Unlock()
	return &ReadTxn{ps: ps, snap: snap}, nil
}

// UserRoot returns the user tree's root as of this snapshot.
func (t *ReadTxn) UserRoot() RootRef { return t.snap.UserRoot }

// SystemRoot returns the system tree's root as of this snapshot.
func (t *ReadTxn) SystemRoot() RootRef { return t.snap.SystemRoot }

// Get looks up key in the user tree as of this snapshot.
func (t *ReadTxn) Get(key []byte) ([]byte, bool, error) {
	return Lookup(t.ps.readCtx(), t.snap.UserRoot.PageNumber, key)
}

// Scan iterates the user tree over [minKey, maxKey] as of this snapshot.
func (t *ReadTxn) Scan(minKey, maxKey []byte, fn func(key, value []byte) bool) error {
	return Scan(t.ps.readCtx(), t.snap.UserRoot.PageNumber, minKey, maxKey, fn)
}

// Close releases this transaction's pin, potentially unblocking reclamation
// of pages freed by transactions that committed after it began.
func (t *ReadTxn) Close() {
	ps := t.ps
	ps.txnMu.Lock()
	ps.readers[t.snap.TxnID]--
	if ps.readers[t.snap.TxnID] <= 0 {
		delete(ps.readers, t.snap.TxnID)
	}
	ps.txnMu.Unlock()
	ps.reclaim()
}

// WriteTxn is the single active write transaction for this page store. Every
// mutation copy-on-writes its path; nothing is visible to readers until
// Commit.
type WriteTxn struct {
	ps       *PageStore
	txnID    uint64
	userRoot uint32
	sysRoot  uint32
	freed    []uint32
	alloced  []uint32
	done     bool
}

// BeginWrite acquires the store's single write slot and returns a
// transaction seeded from the currently committed roots.
func (ps *PageStore) BeginWrite() (*WriteTxn, error) {
	if err := ps.checkIOErr(); err != nil {
		return nil, err
	}
	ps.writeMu.Lock()
	base := *ps.current.Load()
	ps.txnMu.Lock()
	txnID := ps.nextTxnID
	ps.nextTxnID++
	ps.txnMu.Unlock()
	return &WriteTxn{
		ps:       ps,
		txnID:    txnID,
		userRoot: base.UserRoot.PageNumber,
		sysRoot:  base.SystemRoot.PageNumber,
	}, nil
}

func (t *WriteTxn) ctx() cowContext {
	freed := &t.freed
	c := t.ps.writeCtx(freed)
	innerAlloc := c.alloc
	c.alloc = func(data []byte) (uint32, error) {
		pg, err := innerAlloc(data)
		if err == nil {
			t.alloced = append(t.alloced, pg)
		}
		return pg, err
	}
	return c
}

// Put writes key->value into the user tree.
func (t *WriteTxn) Put(key, value []byte) error {
	newRoot, err := Insert(t.ctx(), t.userRoot, key, value)
	if err != nil {
		return err
	}
	t.userRoot = newRoot
	return nil
}

// Delete removes key from the user tree, a no-op if absent.
func (t *WriteTxn) Delete(key []byte) error {
	newRoot, err := Delete(t.ctx(), t.userRoot, key)
	if err != nil {
		return err
	}
	t.userRoot = newRoot
	return nil
}

// Get reads the transaction's own uncommitted writes (read-your-writes).
func (t *WriteTxn) Get(key []byte) ([]byte, bool, error) {
	return Lookup(t.ps.readCtx(), t.userRoot, key)
}

// Payload returns the WAL entry payload this transaction would produce if
// committed now, without actually committing — used by the coordinator to
// append to the shared WAL before calling Commit.
func (t *WriteTxn) Payload(durable bool) (Payload, error) {
	userSum, err := t.ps.pageChecksum(t.userRoot)
	if err != nil {
		return Payload{}, err
	}
	sysSum, err := t.ps.pageChecksum(t.sysRoot)
	if err != nil {
		return Payload{}, err
	}
	user := RootRef{PageNumber: t.userRoot, Checksum: userSum, TxnID: t.txnID}
	sys := RootRef{PageNumber: t.sysRoot, Checksum: sysSum, TxnID: t.txnID}
	return Payload{
		UserRoot:       &user,
		SystemRoot:     &sys,
		TxnID:          t.txnID,
		FreedPages:     append([]uint32(nil), t.freed...),
		AllocatedPages: append([]uint32(nil), t.alloced...),
		Durable:        durable,
	}, nil
}

// Commit makes this transaction's writes visible to future read
// transactions. If durable is true, the write buffer is flushed and fsynced
// and the on-disk dual-slot header is updated and fsynced before Commit
// returns; if false, the new header is only published in memory (the
// None durability mode), relying on the shared WAL (if configured) to
// reconstruct it after a crash.
func (t *WriteTxn) Commit(durable bool) error {
	defer t.release()
	ps := t.ps

	userSum, err := ps.pageChecksum(t.userRoot)
	if err != nil {
		return ps.markIOErr(err)
	}
	sysSum, err := ps.pageChecksum(t.sysRoot)
	if err != nil {
		return ps.markIOErr(err)
	}

	newHeader := Header{
		UserRoot:   RootRef{PageNumber: t.userRoot, Checksum: userSum, TxnID: t.txnID},
		SystemRoot: RootRef{PageNumber: t.sysRoot, Checksum: sysSum, TxnID: t.txnID},
		TxnID:      t.txnID,
	}

	if durable {
		if err := ps.file.Sync(); err != nil {
			return ps.markIOErr(err)
		}
		newGod := 1 - ps.god
		if err := ps.writeSuperHeader(newGod, newHeader); err != nil {
			return ps.markIOErr(err)
		}
		if err := ps.file.Sync(); err != nil {
			return ps.markIOErr(err)
		}
	}

	ps.current.Store(&newHeader)

	if len(t.freed) > 0 {
		ps.txnMu.Lock()
		ps.pending = append(ps.pending, pendingFree{txnID: t.txnID, pages: append([]uint32(nil), t.freed...)})
		ps.txnMu.Unlock()
	}
	ps.reclaim()
	return nil
}

// Rollback discards this transaction's writes. Pages it allocated remain
// marked in-use in the local allocator (they are simply never referenced by
// any root again) until the store is reopened; callers that need the space
// back immediately should instead track these page numbers for an explicit
// vacuum. No rebalancing or compaction happens on the fast path — leaks
// here are bounded by transaction size, not unbounded.
func (t *WriteTxn) Rollback() {
	t.release()
}

func (t *WriteTxn) release() {
	if t.done {
		return
	}
	t.done = true
	t.ps.writeMu.Unlock()
}

// ApplyTransaction replays an already-committed (and already WAL-appended)
// transaction's payload directly, without re-running any B-tree logic — used
// during WAL-driven crash recovery. It updates the
// allocator's bitmap to reflect pages the original writer allocated, records
// freed pages for later reclamation, and publishes the new header.
func (ps *PageStore) ApplyTransaction(p Payload) error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	for _, pg := range p.AllocatedPages {
		if err := ps.alloc.markAllocated(pg); err != nil {
			return ps.markIOErr(err)
		}
	}

	cur := *ps.current.Load()
	newHeader := cur
	if p.UserRoot != nil {
		newHeader.UserRoot = *p.UserRoot
	}
	if p.SystemRoot != nil {
		newHeader.SystemRoot = *p.SystemRoot
	}
	newHeader.TxnID = p.TxnID

	if p.Durable {
		if err := ps.file.Sync(); err != nil {
			return ps.markIOErr(err)
		}
		newGod := 1 - ps.god
		if err := ps.writeSuperHeader(newGod, newHeader); err != nil {
			return ps.markIOErr(err)
		}
		if err := ps.file.Sync(); err != nil {
			return ps.markIOErr(err)
		}
	}

	ps.current.Store(&newHeader)
	ps.txnMu.Lock()
	if len(p.FreedPages) > 0 {
		ps.pending = append(ps.pending, pendingFree{txnID: p.TxnID, pages: append([]uint32(nil), p.FreedPages...)})
	}
	if p.TxnID >= ps.nextTxnID {
		ps.nextTxnID = p.TxnID + 1
	}
	ps.txnMu.Unlock()
	ps.reclaim()
	return nil
}

// reclaim clears allocator bits for any pending-free batch older than every
// currently active reader, i.e. no live snapshot can still reach those pages.
func (ps *PageStore) reclaim() {
	ps.txnMu.Lock()
	if len(ps.pending) == 0 {
		ps.txnMu.Unlock()
		return
	}
	oldest := ps.oldestReaderTxnLocked()
	var kept []pendingFree
	var toFree []uint32
	for _, pf := range ps.pending {
		if oldest == nil || pf.txnID < *oldest {
			toFree = append(toFree, pf.pages...)
		} else {
			kept = append(kept, pf)
		}
	}
	ps.pending = kept
	ps.txnMu.Unlock()

	for _, pg := range toFree {
		ps.alloc.free(pg)
	}
}

// oldestReaderTxnLocked returns the smallest TxnID among active readers, or
// nil if there are none. Called with txnMu held.
func (ps *PageStore) oldestReaderTxnLocked() *uint64 {
	if len(ps.readers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(ps.readers))
	for id := range ps.readers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &ids[0]
}

// Checkpoint flushes all cached writes and fsyncs, without changing which
// transaction is current — used by the background checkpoint task to bound
// how much the shared WAL must replay after a crash.
func (ps *PageStore) Checkpoint() error {
	return ps.markIOErr(ps.file.Sync())
}

// Close flushes and fsyncs the store's cached writes. The cached file itself
// stays open; its caches and partition are not released here.
func (ps *PageStore) Close() error {
	return ps.file.Sync()
}
