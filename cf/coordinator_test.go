package cf

import (
	"path/filepath"
	"sync"
	"testing"
)

func testConfig() Config {
	cfg := NewConfig()
	cfg.InitialCFSize = 64 << 10
	return cfg
}

func TestCreateAndListColumnFamilies(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "db"), testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if _, err := c.CreateColumnFamily("users"); err != nil {
		t.Fatalf("create users: %v", err)
	}
	if _, err := c.CreateColumnFamily("sessions"); err != nil {
		t.Fatalf("create sessions: %v", err)
	}
	names := c.ListColumnFamilies()
	if len(names) != 2 || names[0] != "sessions" || names[1] != "users" {
		t.Fatalf("unexpected CF list: %v", names)
	}

	if _, err := c.CreateColumnFamily("users"); err == nil {
		t.Fatal("expected error creating duplicate CF")
	}
}

func TestColumnFamilyOrCreateDeduplicatesRace(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "db"), testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	handles := make([]*ColumnFamilyHandle, 16)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.ColumnFamilyOrCreate("shared")
			if err != nil {
				t.Errorf("column family or create: %v", err)
				return
			}
			handles[i] = h
		}()
	}
	wg.Wait()

	names := c.ListColumnFamilies()
	if len(names) != 1 {
		t.Fatalf("expected exactly one CF registered, got %v", names)
	}
}

func TestDropColumnFamilyReleasesSegments(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "db"), testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if _, err := c.CreateColumnFamily("temp"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.DropColumnFamily("temp"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := c.ColumnFamily("temp"); err == nil {
		t.Fatal("expected dropped CF to be gone")
	}
	if len(c.header.Free) == 0 {
		t.Fatal("expected dropped CF's segment to be released to the free list")
	}
}

func TestWriteThenCrashReplaysFromWAL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")

	c, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h, err := c.CreateColumnFamily("users")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn, err := h.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := txn.Put([]byte("1"), []byte("alice")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := txn.Commit(true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := c.Abandon(); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	c2, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	h2, err := c2.ColumnFamily("users")
	if err != nil {
		t.Fatalf("column family after reopen: %v", err)
	}
	rt, err := h2.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	val, ok, err := rt.Get([]byte("1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(val) != "alice" {
		t.Fatalf("expected (alice,true) after replay, got (%q,%v)", val, ok)
	}
}

func TestUncommittedWriteNotVisibleAfterCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")

	c, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h, err := c.CreateColumnFamily("users")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn, err := h.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := txn.Put([]byte("1"), []byte("alice")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := txn.Commit(true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txn2, err := h.BeginWrite()
	if err != nil {
		t.Fatalf("begin write 2: %v", err)
	}
	if err := txn2.Put([]byte("2"), []byte("bob")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Crash before committing txn2 — release the write lock first so
	// Abandon isn't left blocked, mirroring a crash mid-transaction.
	txn2.Rollback()

	if err := c.Abandon(); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	c2, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	h2, err := c2.ColumnFamily("users")
	if err != nil {
		t.Fatalf("column family after reopen: %v", err)
	}
	rt, err := h2.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	if _, ok, _ := rt.Get([]byte("2")); ok {
		t.Fatal("uncommitted key must not survive a crash")
	}
	if val, ok, _ := rt.Get([]byte("1")); !ok || string(val) != "alice" {
		t.Fatal("previously committed key must survive a crash")
	}
}
