package pagestore

import (
	"fmt"
	"testing"
)

// memCtx is a minimal in-memory cowContext for exercising the B-tree split
// and traversal logic directly, without any storage/pagestore machinery.
type memCtx struct {
	pages map[uint32][]byte
	next  uint32
}

func newMemCtx() *memCtx {
	return &memCtx{pages: make(map[uint32][]byte), next: 1}
}

func (m *memCtx) ctx() cowContext {
	return cowContext{
		read: func(pg uint32) ([]byte, error) { return m.pages[pg], nil },
		alloc: func(data []byte) (uint32, error) {
			pg := m.next
			m.next++
			cp := make([]byte, len(data))
			copy(cp, data)
			m.pages[pg] = cp
			return pg, nil
		},
		free: func(pg uint32) { delete(m.pages, pg) },
	}
}

func TestBTreeInsertLookupSingle(t *testing.T) {
	m := newMemCtx()
	root, err := NewEmptyLeaf(m.ctx())
	if err != nil {
		t.Fatalf("new empty leaf: %v", err)
	}
	root, err = Insert(m.ctx(), root, []byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	val, ok, err := Lookup(m.ctx(), root, []byte("a"))
	if err != nil || !ok || string(val) != "1" {
		t.Fatalf("lookup a: val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestBTreeSplitsAndScanOrdered(t *testing.T) {
	m := newMemCtx()
	root, _ := NewEmptyLeaf(m.ctx())

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%06d", i))
		val := []byte(fmt.Sprintf("v%06d", i))
		var err error
		root, err = Insert(m.ctx(), root, key, val)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var seen []string
	err := Scan(m.ctx(), root, nil, nil, func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("expected %d keys from scan, got %d", n, len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("scan not ordered at %d: %q >= %q", i, seen[i-1], seen[i])
		}
	}
}

func TestBTreeUpdateOverwritesValue(t *testing.T) {
	m := newMemCtx()
	root, _ := NewEmptyLeaf(m.ctx())
	root, _ = Insert(m.ctx(), root, []byte("k"), []byte("old"))
	root, err := Insert(m.ctx(), root, []byte("k"), []byte("new"))
	if err != nil {
		t.Fatalf("insert update: %v", err)
	}
	val, ok, _ := Lookup(m.ctx(), root, []byte("k"))
	if !ok || string(val) != "new" {
		t.Fatalf("expected updated value 'new', got %q ok=%v", val, ok)
	}
}

func TestBTreeDeleteThenLookupMiss(t *testing.T) {
	m := newMemCtx()
	root, _ := NewEmptyLeaf(m.ctx())
	root, _ = Insert(m.ctx(), root, []byte("k1"), []byte("v1"))
	root, _ = Insert(m.ctx(), root, []byte("k2"), []byte("v2"))

	root, err := Delete(m.ctx(), root, []byte("k1"))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := Lookup(m.ctx(), root, []byte("k1")); ok {
		t.Fatal("expected k1 to be gone")
	}
	if v, ok, _ := Lookup(m.ctx(), root, []byte("k2")); !ok || string(v) != "v2" {
		t.Fatal("expected k2 to survive the delete of k1")
	}
}

func TestBTreeRangeScanBounds(t *testing.T) {
	m := newMemCtx()
	root, _ := NewEmptyLeaf(m.ctx())
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		var err error
		root, err = Insert(m.ctx(), root, []byte(k), []byte(k))
		if err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}
	var got []string
	err := Scan(m.ctx(), root, []byte("b"), []byte("d"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
