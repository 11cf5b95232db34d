// Package manifold is the public API package of an embedded, ACID, MVCC
// column-family key-value storage engine: a single shared file holds a
// master directory of column families, each backed by its own copy-on-write
// B-tree page store, all column families sharing one write-ahead log for
// group-committed durability and one background checkpointer.
//
// Open a database, create or look up column families, and run read or write
// transactions against them:
//
//	db, err := manifold.Open("data.manifold", manifold.WithCheckpointInterval(10*time.Second))
//	if err != nil { ... }
//	defer db.Close()
//
//	cf, err := db.ColumnFamilyOrCreate("users")
//	txn, err := cf.BeginWrite()
//	txn.Put([]byte("alice"), []byte(`{"age":30}`))
//	err = txn.Commit(manifold.Immediate)
package manifold
