package metastore

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestMissingFileReadsEmpty(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "meta"))
	_, ok, err := s.Get("id")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("missing file should report absent key")
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta")
	s := Open(path)

	if err := s.Update(func(m map[string]int64) { m["gc_timestamp"] = 12345 }); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A separate handle sees the committed value.
	v, ok, err := Open(path).Get("gc_timestamp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != 12345 {
		t.Fatalf("want 12345 present, got %d (present=%v)", v, ok)
	}
}

func TestIncIsStrictlyIncreasing(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "meta"))

	first, err := s.Inc("id")
	if err != nil {
		t.Fatalf("inc: %v", err)
	}
	if first != 1 {
		t.Fatalf("first id: want 1 got %d", first)
	}
	second, err := s.Inc("id")
	if err != nil {
		t.Fatalf("inc: %v", err)
	}
	if second != 2 {
		t.Fatalf("second id: want 2 got %d", second)
	}
}

func TestConcurrentIncAllocatesUniqueIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta")

	const workers = 8
	const perWorker = 20

	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := Open(path)
			for j := 0; j < perWorker; j++ {
				id, err := s.Inc("id")
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if seen[id] {
					mu.Unlock()
					errs <- &duplicateIDError{id: id}
					return
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent inc: %v", err)
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("want %d unique ids, got %d", workers*perWorker, len(seen))
	}
}

type duplicateIDError struct{ id int64 }

func (e *duplicateIDError) Error() string { return "duplicate id allocated" }
