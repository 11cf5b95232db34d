// Package cf implements the column-family coordinator: the single shared
// file's master header, the handle pool and growth lock guarding it, the
// shared WAL, the background checkpointer, and the name -> page-store
// registry that lazily instantiates each column family's B-tree state on
// first use.
package cf

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Felmond13/manifold/concurrency"
	"github.com/Felmond13/manifold/errs"
	"github.com/Felmond13/manifold/pagestore"
	"github.com/Felmond13/manifold/storage"
	"github.com/Felmond13/manifold/wal"
)

// Defaults mirror what a small embedded workload actually touches: most
// processes open a handful of CFs and keep their hot set well under a
// hundred megabytes.
const (
	DefaultReadCacheBudget  = 32 << 20
	DefaultWriteCacheBudget = 16 << 20
	DefaultCheckpointEvery  = 30 * time.Second
	DefaultInitialCFSize    = 1 << 20
)

// Config collects the coordinator's tunables. Use NewConfig for defaults.
type Config struct {
	ReadCacheBudget  int
	WriteCacheBudget int
	CheckpointEvery  time.Duration
	InitialCFSize    int64
	MaxOpenHandles   int
	DisableWAL       bool
	Logger           *slog.Logger
}

// NewConfig returns a Config populated with package defaults.
func NewConfig() Config {
	return Config{
		ReadCacheBudget:  DefaultReadCacheBudget,
		WriteCacheBudget: DefaultWriteCacheBudget,
		CheckpointEvery:  DefaultCheckpointEvery,
		InitialCFSize:    DefaultInitialCFSize,
		MaxOpenHandles:   64,
	}
}

type cfState struct {
	mu sync.Mutex
	ps *pagestore.PageStore
}

// Coordinator owns the shared file's master header and mediates every
// column family's access to it.
type Coordinator struct {
	cfg        Config
	path       string
	instanceID string
	logger     *slog.Logger

	headerMu sync.RWMutex
	header   *storage.MasterHeader
	growth   concurrency.GrowthLock

	fileLock *storage.FileLock
	pool     *storage.HandlePool
	handle   *storage.Handle

	walLog       *wal.WAL
	checkpointer *wal.Checkpointer

	statesMu sync.Mutex
	states   map[string]*cfState
	creating singleflight.Group
}

// Open opens (creating if necessary) the shared file at path and the WAL
// beside it, replaying any WAL entries not yet reflected in a column
// family's own durable state.
func Open(path string, cfg Config) (*Coordinator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadCacheBudget <= 0 {
		cfg.ReadCacheBudget = DefaultReadCacheBudget
	}
	if cfg.WriteCacheBudget <= 0 {
		cfg.WriteCacheBudget = DefaultWriteCacheBudget
	}
	if cfg.InitialCFSize <= 0 {
		cfg.InitialCFSize = DefaultInitialCFSize
	}

	instanceID := uuid.NewString()
	c := &Coordinator{
		cfg:        cfg,
		path:       path,
		instanceID: instanceID,
		logger:     cfg.Logger.With("component", "cf-coordinator", "instance", instanceID),
		states:     make(map[string]*cfState),
	}

	lock, err := storage.LockFile(path)
	if err != nil {
		return nil, err
	}
	c.fileLock = lock

	c.pool = storage.NewHandlePool(cfg.MaxOpenHandles, func(string) (storage.File, error) {
		return storage.OpenOSFile(path)
	})
	h, err := c.pool.Acquire(context.Background(), "shared")
	if err != nil {
		return nil, err
	}
	c.handle = h

	if err := c.loadOrInitHeader(); err != nil {
		return nil, err
	}

	if !cfg.DisableWAL {
		w, err := wal.Open(path+".wal", c.logger)
		if err != nil {
			return nil, err
		}
		c.walLog = w
		if err := c.recover(); err != nil {
			return nil, err
		}
		cp, err := wal.NewCheckpointer(w, cfg.CheckpointEvery, c.checkpointAll, c.logger)
		if err != nil {
			return nil, err
		}
		c.checkpointer = cp
		c.checkpointer.Start()
	}

	return c, nil
}

func (c *Coordinator) loadOrInitHeader() error {
	length, err := c.handle.File().Len()
	if err != nil {
		return err
	}
	if length == 0 {
		if err := c.handle.GrowFile(storage.PageSize); err != nil {
			return err
		}
		h := storage.NewMasterHeader()
		if err := c.persistHeaderLocked(h); err != nil {
			return err
		}
		c.header = h
		return nil
	}

	buf := make([]byte, storage.PageSize)
	if _, err := c.handle.File().ReadAt(buf, 0); err != nil {
		return err
	}
	h, err := storage.DecodeMasterHeader(buf)
	if err != nil {
		return err
	}
	c.header = h
	return nil
}

func (c *Coordinator) persistHeaderLocked(h *storage.MasterHeader) error {
	if err := c.handle.GrowFile(h.AllocatedEnd); err != nil {
		return err
	}
	if _, err := c.handle.File().WriteAt(h.Encode(), 0); err != nil {
		return err
	}
	return c.handle.File().Sync()
}

// recover replays every WAL entry, lazily materializing page stores for CFs
// the header already knows about (a CF can only appear in the WAL if
// CreateColumnFamily durably registered it first), then checkpoints so a
// second crash before any new writes replays nothing. checkpointAll itself
// snapshots the WAL's latest sequence and truncates only up to it, which
// here covers every entry just applied since nothing else could have
// appended concurrently before Open returns.
func (c *Coordinator) recover() error {
	entries, err := c.walLog.Recover()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	c.logger.Info("replaying wal entries", "count", len(entries))
	for _, e := range entries {
		ps, err := c.pageStoreFor(e.CF)
		if err != nil {
			return errs.Wrap(errs.Corruption, "recover: column family from wal entry not found", err)
		}
		if err := ps.ApplyTransaction(e.Payload); err != nil {
			return err
		}
	}
	return c.checkpointAll(context.Background())
}

// pageStoreFor returns the lazily-instantiated page store for name,
// deduplicating concurrent first-access races with singleflight so two
// goroutines opening the same CF never build two Partitions over the same
// segments.
func (c *Coordinator) pageStoreFor(name string) (*pagestore.PageStore, error) {
	c.statesMu.Lock()
	if st, ok := c.states[name]; ok {
		c.statesMu.Unlock()
		return st.ps, nil
	}
	c.statesMu.Unlock()

	v, err, _ := c.creating.Do(name, func() (interface{}, error) {
		c.statesMu.Lock()
		if st, ok := c.states[name]; ok {
			c.statesMu.Unlock()
			return st.ps, nil
		}
		c.statesMu.Unlock()

		c.headerMu.RLock()
		entry := c.header.CF(name)
		c.headerMu.RUnlock()
		if entry == nil {
			return nil, errs.Newf(errs.NotFound, "column family %q not found", name)
		}

		part := storage.NewPartition(c.handle, entry.Segments, c.expandCF(name))
		// Split the budgets equally among the CFs active now, this one included.
		c.statesMu.Lock()
		active := len(c.states) + 1
		c.statesMu.Unlock()
		cached := storage.NewCachedFile(part, storage.PageSize, c.cfg.ReadCacheBudget/active, c.cfg.WriteCacheBudget/active)
		ps, err := pagestore.Open(cached)
		if err != nil {
			return nil, err
		}

		c.statesMu.Lock()
		c.states[name] = &cfState{ps: ps}
		c.statesMu.Unlock()
		return ps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pagestore.PageStore), nil
}

// expandCF returns the storage.ExpandFunc this CF's Partition invokes when it
// needs more physical space: it takes the growth lock, extends the CF's
// segment list on a clone of the master header, persists the clone, and only
// then swaps it in as c.header — so a persist failure leaves both the
// on-disk and in-memory header exactly as they were. Partition guarantees
// this is never called while its own lock is held.
func (c *Coordinator) expandCF(name string) storage.ExpandFunc {
	return func(minAdditional int64) ([]storage.Segment, error) {
		var result []storage.Segment
		err := c.growth.Do(func() error {
			c.headerMu.Lock()
			defer c.headerMu.Unlock()
			clone := c.header.Clone()
			if _, err := clone.ExtendCF(name, minAdditional); err != nil {
				return err
			}
			if err := c.persistHeaderLocked(clone); err != nil {
				return err
			}
			c.header = clone
			result = append([]storage.Segment(nil), clone.CF(name).Segments...)
			return nil
		})
		return result, err
	}
}

// CreateColumnFamily registers a new, empty column family. It mutates a
// clone of the master header, persists the clone (CRC'd and fsynced), and
// only swaps it in as c.header once persistence succeeds — so a failed
// persist leaves both on-disk and in-memory state exactly as they were
// beforehand, never a CF a crash recovery could find a WAL entry for but the
// header doesn't know about.
func (c *Coordinator) CreateColumnFamily(name string) (*ColumnFamilyHandle, error) {
	c.headerMu.Lock()
	clone := c.header.Clone()
	if _, err := clone.CreateCF(name, c.cfg.InitialCFSize); err != nil {
		c.headerMu.Unlock()
		return nil, err
	}
	if err := c.persistHeaderLocked(clone); err != nil {
		c.headerMu.Unlock()
		return nil, err
	}
	c.header = clone
	c.headerMu.Unlock()

	if _, err := c.pageStoreFor(name); err != nil {
		return nil, err
	}
	return &ColumnFamilyHandle{name: name, coord: c}, nil
}

// ColumnFamily returns a handle to an existing column family.
func (c *Coordinator) ColumnFamily(name string) (*ColumnFamilyHandle, error) {
	c.headerMu.RLock()
	exists := c.header.CF(name) != nil
	c.headerMu.RUnlock()
	if !exists {
		return nil, errs.Newf(errs.NotFound, "column family %q not found", name)
	}
	if _, err := c.pageStoreFor(name); err != nil {
		return nil, err
	}
	return &ColumnFamilyHandle{name: name, coord: c}, nil
}

// ColumnFamilyOrCreate returns the existing handle, or atomically creates the
// column family if it does not yet exist. Concurrent callers racing to
// create the same new name are deduplicated.
func (c *Coordinator) ColumnFamilyOrCreate(name string) (*ColumnFamilyHandle, error) {
	c.headerMu.RLock()
	exists := c.header.CF(name) != nil
	c.headerMu.RUnlock()
	if exists {
		return c.ColumnFamily(name)
	}
	v, err, _ := c.creating.Do("create:"+name, func() (interface{}, error) {
		c.headerMu.RLock()
		already := c.header.CF(name) != nil
		c.headerMu.RUnlock()
		if already {
			return c.ColumnFamily(name)
		}
		return c.CreateColumnFamily(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ColumnFamilyHandle), nil
}

// InstanceID returns the random identifier generated for this open session,
// useful for correlating log lines across column families in this process.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// ListColumnFamilies returns every registered column family name, sorted.
func (c *Coordinator) ListColumnFamilies() []string {
	c.headerMu.RLock()
	defer c.headerMu.RUnlock()
	names := c.header.Names()
	sort.Strings(names)
	return names
}

// DropColumnFamily removes name from the header, releasing its segments to
// the free list, and evicts its in-memory state. As with CreateColumnFamily,
// the drop is staged on a clone and only swapped in after a successful
// persist, so a failed drop leaves the CF's on-disk and in-memory state
// untouched.
func (c *Coordinator) DropColumnFamily(name string) error {
	c.headerMu.Lock()
	clone := c.header.Clone()
	if err := clone.DropCF(name); err != nil {
		c.headerMu.Unlock()
		return err
	}
	if err := c.persistHeaderLocked(clone); err != nil {
		c.headerMu.Unlock()
		return err
	}
	c.header = clone
	c.headerMu.Unlock()

	c.statesMu.Lock()
	st, ok := c.states[name]
	delete(c.states, name)
	c.statesMu.Unlock()
	if ok {
		return st.ps.Close()
	}
	return nil
}

// checkpointAll durably flushes every currently instantiated column family
// and the master header, then truncates the shared WAL up to (and only up
// to) the sequence number it had already assigned before the flush began.
//
// The sequence snapshot is taken first, before any page store is flushed:
// every entry at or below that sequence is guaranteed to belong to one of
// the CFs flushed here (a CF can only receive a WAL entry once its page
// store exists), so flushing first and truncating to the pre-flush snapshot
// can never drop an entry whose page data isn't durable yet. A commit that
// lands after the snapshot is taken keeps a sequence above it and survives
// the truncate untouched, exactly as the spec's "the checkpoint only reads
// entries <= its snapshot" concurrency note requires.
//
// Per-CF fsyncs fan out across an errgroup since each CF's pages live in
// disjoint segments and the underlying file descriptor supports concurrent
// writers at independent offsets.
func (c *Coordinator) checkpointAll(ctx context.Context) error {
	var walSnapshot uint64
	if c.walLog != nil {
		walSnapshot = c.walLog.LatestSeq()
	}

	c.statesMu.Lock()
	states := make([]*cfState, 0, len(c.states))
	for _, st := range c.states {
		states = append(states, st)
	}
	c.statesMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, st := range states {
		g.Go(st.ps.Checkpoint)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.headerMu.RLock()
	err := c.persistHeaderLocked(c.header)
	c.headerMu.RUnlock()
	if err != nil {
		return err
	}

	if c.walLog != nil {
		return c.walLog.TruncateUpTo(walSnapshot)
	}
	return nil
}

// Close stops the checkpointer, checkpoints one last time (which truncates
// the WAL up to whatever it had durably flushed), closes the WAL, and closes
// and unlocks the shared file.
func (c *Coordinator) Close() error {
	if c.checkpointer != nil {
		if err := c.checkpointer.Stop(); err != nil {
			return err
		}
	}
	if err := c.checkpointAll(context.Background()); err != nil {
		return err
	}
	if c.walLog != nil {
		if err := c.walLog.Close(); err != nil {
			return err
		}
	}
	if err := c.pool.CloseAll(); err != nil {
		return err
	}
	return c.fileLock.Unlock()
}

// Abandon closes every file resource this coordinator holds without
// checkpointing or truncating the WAL first, leaving on disk exactly what a
// process crash would: every durably-fsynced commit and nothing more. It
// exists to exercise the crash-recovery path (Open replaying the WAL) from
// within a single process.
func (c *Coordinator) Abandon() error {
	if c.checkpointer != nil {
		c.checkpointer.Stop()
	}
	if c.walLog != nil {
		c.walLog.Close()
	}
	if err := c.pool.CloseAll(); err != nil {
		return err
	}
	return c.fileLock.Unlock()
}
