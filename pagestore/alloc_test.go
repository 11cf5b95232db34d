package pagestore

import (
	"testing"

	"github.com/Felmond13/manifold/storage"
)

func newTestAllocator(t *testing.T) (*allocator, *storage.MemFile) {
	t.Helper()
	mem := storage.NewMemFile()
	const cap = 64 << 20
	part := storage.NewPartition(storage.NewHandleForTest(mem), nil, func(minAdditional int64) ([]storage.Segment, error) {
		if err := mem.SetLen(cap); err != nil {
			return nil, err
		}
		return []storage.Segment{{Offset: 0, Size: cap}}, nil
	})
	cached := storage.NewCachedFile(part, pageBodySize, 1<<20, 1<<20)
	return newAllocator(cached), mem
}

func TestAllocatorAllocateUnique(t *testing.T) {
	a, _ := newTestAllocator(t)
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		pg, err := a.allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if pg == PageNull {
			t.Fatalf("allocate %d returned reserved page 0", i)
		}
		if seen[pg] {
			t.Fatalf("allocate returned duplicate page %d", pg)
		}
		seen[pg] = true
	}
}

func TestAllocatorFreeThenReuse(t *testing.T) {
	a, _ := newTestAllocator(t)
	pg, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.free(pg)

	pg2, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if pg2 != pg {
		t.Fatalf("expected reused page %d, got %d", pg, pg2)
	}
}

func TestAllocatorGrowsAcrossRegions(t *testing.T) {
	a, _ := newTestAllocator(t)
	for i := 0; i < regionPages+10; i++ {
		if _, err := a.allocate(); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	if len(a.regions) < 2 {
		t.Fatalf("expected at least 2 regions after exceeding one region's pages, got %d", len(a.regions))
	}
}

func TestAllocatorMarkAllocatedBeyondCurrentRegions(t *testing.T) {
	a, _ := newTestAllocator(t)
	far := uint32(regionPages + 5)
	if err := a.markAllocated(far); err != nil {
		t.Fatalf("mark allocated: %v", err)
	}
	for _, r := range a.regions {
		if far >= r.startPage && far < r.startPage+r.numPages {
			if !r.isSet(far - r.startPage) {
				t.Fatal("expected marked page to be set")
			}
			return
		}
	}
	t.Fatal("marked page not found in any region")
}
