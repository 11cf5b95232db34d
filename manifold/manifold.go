package manifold

import (
	"github.com/Felmond13/manifold/cf"
	"github.com/Felmond13/manifold/pagestore"
)

// Durability selects how strongly a write transaction's Commit is
// guaranteed to survive a crash.
type Durability bool

const (
	// None publishes the commit in memory only; durability is recovered
	// after a crash from the shared WAL's last fsynced record, if the WAL
	// is enabled, or lost entirely if it is disabled (WithoutWAL).
	None Durability = false
	// Immediate blocks Commit until the write is fsynced — to the shared
	// WAL when enabled, otherwise directly to the column family's own file.
	Immediate Durability = true
)

// DB is an open Manifold database: one shared file, its master directory of
// column families, and the machinery (WAL, checkpointer, cache) they share.
type DB struct {
	coord *cf.Coordinator
}

// Open opens (creating if necessary) the database at path.
func Open(path string, opts ...Option) (*DB, error) {
	cfg := cf.NewConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	coord, err := cf.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{coord: coord}, nil
}

// Close flushes every column family, truncates and closes the WAL, and
// closes the underlying file.
func (db *DB) Close() error {
	return db.coord.Close()
}

// InstanceID returns the random identifier generated for this open session.
func (db *DB) InstanceID() string { return db.coord.InstanceID() }

// Abandon closes the database without a final checkpoint, leaving on disk
// exactly what a process crash would. Used to exercise crash recovery.
func (db *DB) Abandon() error { return db.coord.Abandon() }

// CreateColumnFamily registers a new, empty column family.
func (db *DB) CreateColumnFamily(name string) (*ColumnFamily, error) {
	h, err := db.coord.CreateColumnFamily(name)
	if err != nil {
		return nil, err
	}
	return &ColumnFamily{handle: h}, nil
}

// ColumnFamily returns a handle to an existing column family.
func (db *DB) ColumnFamily(name string) (*ColumnFamily, error) {
	h, err := db.coord.ColumnFamily(name)
	if err != nil {
		return nil, err
	}
	return &ColumnFamily{handle: h}, nil
}

// ColumnFamilyOrCreate returns the existing column family, or creates it if
// it does not yet exist.
func (db *DB) ColumnFamilyOrCreate(name string) (*ColumnFamily, error) {
	h, err := db.coord.ColumnFamilyOrCreate(name)
	if err != nil {
		return nil, err
	}
	return &ColumnFamily{handle: h}, nil
}

// DropColumnFamily removes a column family and releases its storage.
func (db *DB) DropColumnFamily(name string) error {
	return db.coord.DropColumnFamily(name)
}

// ListColumnFamilies returns every registered column family name, sorted.
func (db *DB) ListColumnFamilies() []string {
	return db.coord.ListColumnFamilies()
}

// ColumnFamily is a handle to one column family's key-value store.
type ColumnFamily struct {
	handle *cf.ColumnFamilyHandle
}

// Name returns the column family's name.
func (c *ColumnFamily) Name() string { return c.handle.Name() }

// BeginRead starts a snapshot read transaction.
func (c *ColumnFamily) BeginRead() (*pagestore.ReadTxn, error) {
	return c.handle.BeginRead()
}

// BeginWrite starts a write transaction.
func (c *ColumnFamily) BeginWrite() (*WriteTxn, error) {
	inner, err := c.handle.BeginWrite()
	if err != nil {
		return nil, err
	}
	return &WriteTxn{inner: inner}, nil
}

// WriteTxn is a write transaction against one column family.
type WriteTxn struct {
	inner *cf.Txn
}

// Put stages a key/value write.
func (t *WriteTxn) Put(key, value []byte) error { return t.inner.Put(key, value) }

// Delete stages a key removal.
func (t *WriteTxn) Delete(key []byte) error { return t.inner.Delete(key) }

// Get reads key, observing this transaction's own uncommitted writes.
func (t *WriteTxn) Get(key []byte) ([]byte, bool, error) { return t.inner.Get(key) }

// Commit publishes the transaction's writes with the given durability
// guarantee.
func (t *WriteTxn) Commit(d Durability) error { return t.inner.Commit(bool(d)) }

// Rollback discards the transaction's staged writes.
func (t *WriteTxn) Rollback() { t.inner.Rollback() }
