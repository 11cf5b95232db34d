package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestGroupCommitSingleCaller(t *testing.T) {
	gc := NewGroupCommit()
	var flushes int32
	err := gc.Commit(func() error {
		atomic.AddInt32(&flushes, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if flushes != 1 {
		t.Fatalf("expected 1 flush, got %d", flushes)
	}
}

func TestGroupCommitPropagatesError(t *testing.T) {
	gc := NewGroupCommit()
	want := errors.New("boom")
	err := gc.Commit(func() error { return want })
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

// TestGroupCommitCoalesces starts many concurrent Commit calls behind a
// short busy-looping flush, then verifies that every call succeeded and that
// at least one and at most one flush per caller ran; how many callers share
// a flush depends on scheduling.
func TestGroupCommitCoalesces(t *testing.T) {
	gc := NewGroupCommit()
	const callers = 50

	var flushes int32
	var wg sync.WaitGroup
	started := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			err := gc.Commit(func() error {
				atomic.AddInt32(&flushes, 1)
				// Give other goroutines a chance to queue up as followers.
				for j := 0; j < 1000; j++ {
				}
				return nil
			})
			if err != nil {
				t.Errorf("commit: %v", err)
			}
		}()
	}

	wg.Wait()
	close(started)

	if flushes < 1 {
		t.Fatalf("expected at least 1 flush, got %d", flushes)
	}
	if flushes > callers {
		t.Fatalf("flushes %d exceeds caller count %d", flushes, callers)
	}
}

func TestGrowthLockSerializes(t *testing.T) {
	var gl GrowthLock
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gl.Do(func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected GrowthLock to serialize callers, max concurrent = %d", maxActive)
	}
}
