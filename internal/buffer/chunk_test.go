package buffer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diskbuffer/internal/journal"
)

func testChunk(dir string, id int64, readOnly bool) *Chunk {
	return &Chunk{dir: dir, id: id, readOnly: readOnly, now: time.Now}
}

func TestChunkCreateLoadRead(t *testing.T) {
	dir := t.TempDir()
	recs := [][]byte{[]byte("a\n"), []byte("b\n")}

	c := testChunk(dir, 1, false)
	if err := c.Create(recs); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The payload appears atomically under its final name; no tmp remains.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "1.chunk" {
		t.Fatalf("dir after create: %v", entries)
	}

	loaded, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded {
		t.Fatal("load should succeed")
	}
	for i, want := range recs {
		got, err := c.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("record %d: want %q got %q", i, want, got)
		}
	}
	if _, err := c.Read(); !errors.Is(err, ErrNoMoreRecords) {
		t.Fatalf("want ErrNoMoreRecords, got %v", err)
	}
	_ = c.Close()
}

func TestChunkCreatePermissions(t *testing.T) {
	dir := t.TempDir()
	c := testChunk(dir, 1, false)
	if err := c.Create([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "1.chunk"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Fatalf("chunk mode: want 0644 got %o", perm)
	}
}

func TestChunkCreateRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	if err := testChunk(dir, 1, false).Create([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := testChunk(dir, 1, false).Create([][]byte{[]byte("y")}); !errors.Is(err, ErrChunkExists) {
		t.Fatalf("want ErrChunkExists, got %v", err)
	}
}

func TestChunkCreateRefusesLoaded(t *testing.T) {
	dir := t.TempDir()
	c := testChunk(dir, 1, false)
	if err := c.Create([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer c.Close()
	if err := c.Create([][]byte{[]byte("y")}); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("want ErrAlreadyLoaded, got %v", err)
	}
}

func TestChunkLoadMissing(t *testing.T) {
	c := testChunk(t.TempDir(), 7, false)
	loaded, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded {
		t.Fatal("loading a missing chunk should report not loaded")
	}
}

func TestChunkLockExcludesSecondLoader(t *testing.T) {
	dir := t.TempDir()
	c1 := testChunk(dir, 1, false)
	if err := c1.Create([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if loaded, err := c1.Load(); err != nil || !loaded {
		t.Fatalf("first load: loaded=%v err=%v", loaded, err)
	}
	defer c1.Close()

	c2 := testChunk(dir, 1, false)
	loaded, err := c2.Load()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if loaded {
		t.Fatal("second loader must not acquire a locked chunk")
	}

	// A read-only clone loads without contending for the lock.
	ro := testChunk(dir, 1, true)
	loaded, err = ro.Load()
	if err != nil {
		t.Fatalf("read-only load: %v", err)
	}
	if !loaded {
		t.Fatal("read-only load should succeed while the chunk is locked")
	}
	_ = ro.Close()
}

func TestChunkLockReleasedOnClose(t *testing.T) {
	dir := t.TempDir()
	c1 := testChunk(dir, 1, false)
	if err := c1.Create([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c1.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2 := testChunk(dir, 1, false)
	loaded, err := c2.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !loaded {
		t.Fatal("chunk should be lockable after the holder closes")
	}
	_ = c2.Close()
}

func TestChunkCursorResumesAtCommit(t *testing.T) {
	dir := t.TempDir()
	recs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	c := testChunk(dir, 1, false)
	if err := c.Create(recs); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.Read(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := c.Read(); err != nil {
		t.Fatalf("uncommitted read: %v", err)
	}
	_ = c.Close()

	// The next owner resumes at the committed cursor: "b" is re-delivered.
	c2 := testChunk(dir, 1, false)
	if _, err := c2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer c2.Close()
	got, err := c2.Read()
	if err != nil {
		t.Fatalf("read after reload: %v", err)
	}
	if string(got) != "b" {
		t.Fatalf("want re-delivery of %q, got %q", "b", got)
	}
}

func TestChunkLag(t *testing.T) {
	dir := t.TempDir()
	c := testChunk(dir, 1, false)
	if err := c.Create([][]byte{[]byte("a\n"), []byte("b\n")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	lag, err := c.Lag()
	if err != nil {
		t.Fatalf("lag: %v", err)
	}
	if lag != 12 {
		t.Fatalf("lag: want 12 got %d", lag)
	}
	if _, err := c.Read(); err != nil {
		t.Fatalf("read: %v", err)
	}
	lag, err = c.Lag()
	if err != nil {
		t.Fatalf("lag: %v", err)
	}
	if lag != 6 {
		t.Fatalf("lag after read: want 6 got %d", lag)
	}
	_ = c.Close()

	// A removed chunk reports zero.
	gone := testChunk(dir, 99, true)
	lag, err = gone.Lag()
	if err != nil {
		t.Fatalf("lag on missing chunk: %v", err)
	}
	if lag != 0 {
		t.Fatalf("missing chunk lag: want 0 got %d", lag)
	}
}

func TestChunkRemove(t *testing.T) {
	dir := t.TempDir()
	c := testChunk(dir, 1, false)
	if err := c.Create([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir not empty after remove: %v", names)
	}
}

func TestChunkCleanup(t *testing.T) {
	dir := t.TempDir()

	// Orphan sidecars without a payload are removed.
	for _, name := range []string{"3.status", "3.status.lock", "3.lock"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("plant %s: %v", name, err)
		}
	}
	if err := testChunk(dir, 3, false).Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("orphan sidecars should be gone, found %d entries", len(entries))
	}

	// Cleanup is a no-op while the payload exists.
	c := testChunk(dir, 4, false)
	if err := c.Create([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := testChunk(dir, 4, false).Cleanup(); err != nil {
		t.Fatalf("cleanup live chunk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "4.chunk")); err != nil {
		t.Fatalf("live payload must survive cleanup: %v", err)
	}
}

func TestChunkCleanupSkipsHeldLock(t *testing.T) {
	dir := t.TempDir()
	c := testChunk(dir, 5, false)
	if err := c.Create([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer c.Close()

	// Simulate the payload vanishing while the lock is held elsewhere:
	// cleanup must not touch the sidecars it cannot lock.
	if err := os.Remove(filepath.Join(dir, "5.chunk")); err != nil {
		t.Fatalf("remove payload: %v", err)
	}
	if err := testChunk(dir, 5, false).Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "5.status")); err != nil {
		t.Fatalf("held sidecar must survive cleanup: %v", err)
	}
}

func TestChunkCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	recs := [][]byte{[]byte("alpha"), []byte("beta")}
	c := &Chunk{dir: dir, id: 1, compression: journal.CompressionZstd, now: time.Now}
	if err := c.Create(recs); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer c.Close()
	got, err := c.ReadChunk(10)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("want %d records, got %d", len(recs), len(got))
	}
	for i := range recs {
		if !bytes.Equal(got[i], recs[i]) {
			t.Fatalf("record %d: want %q got %q", i, recs[i], got[i])
		}
	}
}

func TestTmpNamesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("1.tmp.%d.%d.%d", os.Getpid(), time.Now().Unix(), tmpSeq.Add(1))
		if seen[name] {
			t.Fatalf("duplicate tmp name at iteration %d: %s", i, name)
		}
		seen[name] = true
	}
}
