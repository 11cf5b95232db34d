package cf

import (
	"github.com/Felmond13/manifold/pagestore"
)

// ColumnFamilyHandle is a lightweight, reusable reference to one column
// family's page store. Obtaining one does not itself begin a transaction;
// BeginRead/BeginWrite do.
type ColumnFamilyHandle struct {
	name  string
	coord *Coordinator
}

// Name returns the column family's name.
func (h *ColumnFamilyHandle) Name() string { return h.name }

// BeginRead starts a snapshot read transaction against this column family.
func (h *ColumnFamilyHandle) BeginRead() (*pagestore.ReadTxn, error) {
	ps, err := h.coord.pageStoreFor(h.name)
	if err != nil {
		return nil, err
	}
	return ps.BeginRead()
}

// BeginWrite starts a write transaction against this column family. The
// returned Txn's Commit routes the payload through the coordinator's shared
// WAL (when enabled) before publishing the new snapshot.
func (h *ColumnFamilyHandle) BeginWrite() (*Txn, error) {
	ps, err := h.coord.pageStoreFor(h.name)
	if err != nil {
		return nil, err
	}
	inner, err := ps.BeginWrite()
	if err != nil {
		return nil, err
	}
	return &Txn{inner: inner, coord: h.coord, cfName: h.name}, nil
}

// Txn wraps a pagestore.WriteTxn so that Commit appends to the shared WAL
// before publishing the new snapshot: the WAL's fsync is what makes an
// Immediate commit durable, not each column family's own file.
type Txn struct {
	inner  *pagestore.WriteTxn
	coord  *Coordinator
	cfName string
}

// Put stages a key/value write. Visible to Get within the same
// transaction, and to other readers only after Commit.
func (t *Txn) Put(key, value []byte) error { return t.inner.Put(key, value) }

// Delete stages a key removal.
func (t *Txn) Delete(key []byte) error { return t.inner.Delete(key) }

// Get reads key, observing this transaction's own uncommitted writes.
func (t *Txn) Get(key []byte) ([]byte, bool, error) { return t.inner.Get(key) }

// Commit durably or non-durably publishes the transaction, per durable.
//
// With the shared WAL enabled, a durable commit's fsync boundary is the WAL
// append, not this CF's own file — the column family's own pages are made
// durable later, in bulk, by the next checkpoint. This is what lets many
// concurrent writers across different column families share one fsync.
func (t *Txn) Commit(durable bool) error {
	payload, err := t.inner.Payload(durable)
	if err != nil {
		t.inner.Rollback()
		return err
	}

	if t.coord.walLog != nil {
		if _, err := t.coord.walLog.Append(t.cfName, payload, durable); err != nil {
			t.inner.Rollback()
			return err
		}
		return t.inner.Commit(false)
	}

	// No shared WAL: this CF's own dual-slot commit is the only durability
	// boundary available, so honor durable directly.
	return t.inner.Commit(durable)
}

// Rollback discards the transaction's staged writes without publishing them.
func (t *Txn) Rollback() { t.inner.Rollback() }
