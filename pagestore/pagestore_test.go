package pagestore

import (
	"fmt"
	"testing"

	"github.com/Felmond13/manifold/storage"
)

func newTestStore(t *testing.T) *PageStore {
	t.Helper()
	mem := storage.NewMemFile()
	const testCapacity = 64 << 20 // one allocator region (16MB) plus headroom
	part := storage.NewPartition(storage.NewHandleForTest(mem), nil, func(minAdditional int64) ([]storage.Segment, error) {
		if err := mem.SetLen(testCapacity); err != nil {
			return nil, err
		}
		return []storage.Segment{{Offset: 0, Size: testCapacity}}, nil
	})
	cached := storage.NewCachedFile(part, pageBodySize, 1<<20, 1<<20)
	ps, err := Open(cached)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return ps
}

func TestPutGetRoundTrip(t *testing.T) {
	ps := newTestStore(t)

	wt, err := ps.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := wt.Put([]byte("hello"), []byte("world")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := wt.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rt, err := ps.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	val, ok, err := rt.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(val) != "world" {
		t.Fatalf("expected (world,true), got (%q,%v)", val, ok)
	}
}

func TestReaderIsolatedFromLaterWrite(t *testing.T) {
	ps := newTestStore(t)

	wt, _ := ps.BeginWrite()
	_ = wt.Put([]byte("k1"), []byte("v1"))
	_ = wt.Commit(false)

	rt, err := ps.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()

	wt2, _ := ps.BeginWrite()
	_ = wt2.Put([]byte("k2"), []byte("v2"))
	_ = wt2.Commit(false)

	if _, ok, _ := rt.Get([]byte("k2")); ok {
		t.Fatal("reader should not observe a write committed after it began")
	}
	if v, ok, _ := rt.Get([]byte("k1")); !ok || string(v) != "v1" {
		t.Fatal("reader should still observe the write committed before it began")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	ps := newTestStore(t)

	wt, _ := ps.BeginWrite()
	_ = wt.Put([]byte("a"), []byte("1"))
	if err := wt.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	wt2, _ := ps.BeginWrite()
	if err := wt2.Delete([]byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := wt2.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rt, _ := ps.BeginRead()
	defer rt.Close()
	if _, ok, _ := rt.Get([]byte("a")); ok {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestManyInsertsForceSplits(t *testing.T) {
	ps := newTestStore(t)

	wt, err := ps.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		val := fmt.Sprintf("value-%05d", i)
		if err := wt.Put([]byte(key), []byte(val)); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := wt.Commit(false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rt, err := ps.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		got, ok, err := rt.Get([]byte(key))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !ok || string(got) != want {
			t.Fatalf("key %q: expected %q, got %q (found=%v)", key, want, got, ok)
		}
	}

	count := 0
	if err := rt.Scan(nil, nil, func(k, v []byte) bool { count++; return true }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d entries from full scan, got %d", n, count)
	}
}

func TestReclaimAfterReadersClose(t *testing.T) {
	ps := newTestStore(t)

	wt, _ := ps.BeginWrite()
	_ = wt.Put([]byte("a"), []byte("1"))
	_ = wt.Commit(false)

	rt, _ := ps.BeginRead()

	wt2, _ := ps.BeginWrite()
	_ = wt2.Put([]byte("a"), []byte("2"))
	_ = wt2.Commit(false)

	ps.txnMu.Lock()
	pendingBefore := len(ps.pending)
	ps.txnMu.Unlock()
	if pendingBefore == 0 {
		t.Fatal("expected a pending free batch while the reader is still open")
	}

	rt.Close()

	ps.txnMu.Lock()
	pendingAfter := len(ps.pending)
	ps.txnMu.Unlock()
	if pendingAfter != 0 {
		t.Fatalf("expected pending frees to be reclaimed after the reader closed, got %d left", pendingAfter)
	}
}
