package buffer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"diskbuffer/internal/fslock"
	"diskbuffer/internal/journal"
)

var (
	ErrChunkExists   = errors.New("chunk file already exists")
	ErrAlreadyLoaded = errors.New("chunk already loaded")
	ErrNotLoaded     = errors.New("chunk not loaded")
)

// tmpSeq disambiguates tmp files created by this process within one second.
var tmpSeq atomic.Uint64

// Chunk owns one numbered on-disk chunk and its sidecar files:
//
//	{dir}/{id}.chunk        immutable payload, appears atomically via rename
//	{dir}/{id}.status       persistent read cursor
//	{dir}/{id}.status.lock  cursor commit lock (journal-internal)
//	{dir}/{id}.lock         ownership lock, held while a reader drains
//
// A loaded read-write Chunk holds the ownership lock for its lifetime; it is
// the unique writer of the cursor. Read-only chunks take no lock and never
// persist progress.
type Chunk struct {
	dir         string
	id          int64
	readOnly    bool
	compression journal.Compression
	now         func() time.Time

	lock   *fslock.Guard
	cursor *journal.Cursor
}

// ID returns the chunk's numeric id.
func (c *Chunk) ID() int64 { return c.id }

func (c *Chunk) chunkPath() string {
	return filepath.Join(c.dir, fmt.Sprintf("%d.chunk", c.id))
}

func (c *Chunk) statusPath() string {
	return filepath.Join(c.dir, fmt.Sprintf("%d.status", c.id))
}

func (c *Chunk) lockPath() string {
	return filepath.Join(c.dir, fmt.Sprintf("%d.lock", c.id))
}

// Create materializes the chunk from a record batch. The payload is staged
// in a tmp file and renamed into place, so observers either see nothing or a
// complete committed chunk. A tmp file left by a crash is reaped by GC.
func (c *Chunk) Create(data [][]byte) error {
	if c.cursor != nil {
		return ErrAlreadyLoaded
	}
	if _, err := os.Stat(c.chunkPath()); err == nil {
		return fmt.Errorf("%w: %s", ErrChunkExists, c.chunkPath())
	} else if !os.IsNotExist(err) {
		return err
	}

	tmpName := fmt.Sprintf("%d.tmp.%d.%d.%d", c.id, os.Getpid(), c.now().Unix(), tmpSeq.Add(1))
	tmpPath := filepath.Join(c.dir, tmpName)

	w, err := journal.Create(tmpPath, journal.Options{Mode: 0o644, Compression: c.compression})
	if err != nil {
		return err
	}
	if err := w.WriteChunk(data); err != nil {
		_ = w.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := w.Commit(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, c.chunkPath()); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Load opens the chunk for reading. Idempotent. Returns false without side
// effect when the chunk file does not exist or its ownership lock is held
// elsewhere (read-only chunks skip the lock entirely).
//
// The lock is taken before the payload is rechecked, so a lock file may be
// created for a chunk that was just removed; the next GC reaps it.
func (c *Chunk) Load() (bool, error) {
	if c.cursor != nil {
		return true, nil
	}
	if _, err := os.Stat(c.chunkPath()); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if !c.readOnly {
		guard, err := fslock.TryAcquire(c.lockPath())
		if err != nil {
			return false, err
		}
		if guard == nil {
			return false, nil
		}
		c.lock = guard
	}

	cursor, err := journal.OpenCursor(c.chunkPath(), c.statusPath(), c.readOnly)
	if err != nil {
		c.releaseLock()
		// The open raced a concurrent remove: not an error, just not loaded.
		if _, statErr := os.Stat(c.chunkPath()); os.IsNotExist(statErr) {
			return false, nil
		}
		return false, err
	}
	c.cursor = cursor
	return true, nil
}

// Read returns the next record, or ErrNoMoreRecords at end of chunk.
func (c *Chunk) Read() ([]byte, error) {
	if c.cursor == nil {
		return nil, ErrNotLoaded
	}
	rec, err := c.cursor.Read()
	if errors.Is(err, journal.ErrNoMoreRecords) {
		return nil, ErrNoMoreRecords
	}
	return rec, err
}

// ReadChunk returns up to n records; an empty result means end of chunk.
func (c *Chunk) ReadChunk(n int) ([][]byte, error) {
	if c.cursor == nil {
		return nil, ErrNotLoaded
	}
	return c.cursor.ReadChunk(n)
}

// Commit persists the read cursor.
func (c *Chunk) Commit() error {
	if c.readOnly {
		return ErrReadOnly
	}
	if c.cursor == nil {
		return ErrNotLoaded
	}
	return c.cursor.Commit()
}

// Lag returns the unread bytes remaining in the chunk, loading it lazily.
// A chunk that has been removed, or that cannot be loaded, reports zero.
func (c *Chunk) Lag() (uint64, error) {
	if c.cursor == nil {
		loaded, err := c.Load()
		if err != nil {
			return 0, err
		}
		if !loaded {
			return 0, nil
		}
	}
	return c.cursor.Lag()
}

// Cleanup removes orphan sidecar files. It is a no-op while the chunk
// payload exists, and requires the ownership lock, so it never races a
// process about to load a just-appeared chunk.
func (c *Chunk) Cleanup() error {
	if _, err := os.Stat(c.chunkPath()); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	guard, err := fslock.TryAcquire(c.lockPath())
	if err != nil {
		return err
	}
	if guard == nil {
		return nil
	}
	c.lock = guard
	return c.Remove()
}

// Remove deletes the chunk and its sidecars, then drops lock and cursor.
// Missing files are ignored.
func (c *Chunk) Remove() error {
	var firstErr error
	paths := []string{
		c.chunkPath(),
		c.statusPath(),
		c.statusPath() + ".lock",
		c.lockPath(),
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close releases the ownership lock and the cursor. Records read but not
// committed become visible again to the next locker.
func (c *Chunk) Close() error {
	var firstErr error
	if err := c.releaseLock(); err != nil {
		firstErr = err
	}
	if c.cursor != nil {
		if err := c.cursor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.cursor = nil
	}
	return firstErr
}

func (c *Chunk) releaseLock() error {
	if c.lock == nil {
		return nil
	}
	err := c.lock.Release()
	c.lock = nil
	return err
}
