package storage

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Felmond13/manifold/errs"
)

// Handle is a cloneable, shared reference to an open descriptor for one
// column family's share of the underlying inode. Multiple handles for
// different CFs may read/write concurrently; set_len on any handle is
// serialized by the pool's per-file growth lock.
type Handle struct {
	pool *HandlePool
	name string
}

// File returns the File backing this handle. If the pool has since evicted
// this handle's entry, File returns nil; it does not reopen the descriptor.
func (h *Handle) File() File {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	e := h.pool.entries[h.name]
	return e.file
}

// GrowFile serializes SetLen against every other handle sharing the same
// underlying inode.
func (h *Handle) GrowFile(n int64) error {
	h.pool.growthMu.Lock()
	defer h.pool.growthMu.Unlock()
	f := h.File()
	cur, err := f.Len()
	if err != nil {
		return err
	}
	if n <= cur {
		return nil
	}
	return f.SetLen(n)
}

type poolEntry struct {
	file File
	elem *list.Element // position in the LRU list
}

// HandlePool maintains at most maxOpen open descriptors for one inode, keyed
// by column family name, evicting the least recently used entry when full. A
// single growth lock serializes every SetLen across all handles sharing the
// inode, and a weighted semaphore bounds how many Acquire calls may run at
// once; each call releases its slot before returning.
type HandlePool struct {
	mu       sync.Mutex
	growthMu sync.Mutex
	sem      *semaphore.Weighted
	open     func(name string) (File, error)
	maxOpen  int
	entries  map[string]poolEntry
	lru      *list.List // front = most recently used
}

// NewHandlePool creates a pool with the given capacity. open is invoked on a
// cache miss to materialize the File for a CF name (e.g. opening the shared
// OS file, or looking up an in-memory backend).
func NewHandlePool(maxOpen int, open func(name string) (File, error)) *HandlePool {
	if maxOpen <= 0 {
		maxOpen = 64
	}
	return &HandlePool{
		sem:     semaphore.NewWeighted(int64(maxOpen)),
		open:    open,
		maxOpen: maxOpen,
		entries: make(map[string]poolEntry),
		lru:     list.New(),
	}
}

// Acquire returns a Handle bound to name, opening (or reusing) a descriptor
// and evicting the least-recently-used entry if the pool is at capacity.
func (p *HandlePool) Acquire(ctx context.Context, name string) (*Handle, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.Io, "acquire handle pool slot", err)
	}
	released := false
	release := func() {
		if !released {
			released = true
			p.sem.Release(1)
		}
	}

	p.mu.Lock()
	if e, ok := p.entries[name]; ok {
		p.lru.MoveToFront(e.elem)
		p.mu.Unlock()
		release()
		return &Handle{pool: p, name: name}, nil
	}

	// Evict LRU entries until there is room, without holding the semaphore
	// slot we just reserved for the new entry captive to stale ones.
	for len(p.entries) >= p.maxOpen {
		back := p.lru.Back()
		if back == nil {
			break
		}
		evictName := back.Value.(string)
		p.lru.Remove(back)
		ev := p.entries[evictName]
		delete(p.entries, evictName)
		ev.file.Close()
	}
	p.mu.Unlock()

	f, err := p.open(name)
	if err != nil {
		release()
		return nil, err
	}

	p.mu.Lock()
	elem := p.lru.PushFront(name)
	p.entries[name] = poolEntry{file: f, elem: elem}
	p.mu.Unlock()
	release()
	return &Handle{pool: p, name: name}, nil
}

// NewHandleForTest wraps an already-open File in a single-entry pool and
// returns a Handle over it, for tests that need a Handle without a real
// HandlePool/backend around it.
func NewHandleForTest(f File) *Handle {
	p := NewHandlePool(1, func(string) (File, error) { return f, nil })
	h, err := p.Acquire(context.Background(), "test")
	if err != nil {
		panic(err)
	}
	return h
}

// CloseAll closes every open descriptor. Call once during coordinator
// shutdown.
func (p *HandlePool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for name, e := range p.entries {
		if err := e.file.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.entries, name)
	}
	p.lru.Init()
	return first
}
