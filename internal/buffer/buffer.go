// Package buffer implements a disk-backed fan-out buffer: a directory of
// small immutable chunks interposed between a sequential upstream stream and
// any number of cooperating reader processes on one host.
//
// Readers discover chunks by scanning the directory, claim them with
// non-blocking advisory file locks, and fall back to pulling a fresh batch
// from upstream under a directory-wide refill lock. Every record is
// delivered at least once; a reader crash re-exposes its uncommitted records
// to the next process that locks the chunk.
package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"diskbuffer/internal/fslock"
	"diskbuffer/internal/journal"
	"diskbuffer/internal/logging"
	"diskbuffer/internal/metastore"

	"github.com/google/uuid"
)

const (
	metaFileName = "meta"
	readLockName = "read_lock"

	// DefaultGCPeriod is the minimum interval between GC runs.
	DefaultGCPeriod = 5 * time.Minute

	// staleTmpAge is how old an abandoned tmp file must be before GC
	// deletes it.
	staleTmpAge = 600 * time.Second

	// refillRetryDelay paces the refill loop while another process holds
	// the refill lock and has not yet produced a stealable chunk.
	refillRetryDelay = 10 * time.Millisecond
)

var (
	ErrMissingDir           = errors.New("buffer dir is required")
	ErrMissingUpstream      = errors.New("buffer upstream is required")
	ErrReadOnly             = errors.New("buffer is read-only")
	ErrNoMoreRecords        = errors.New("no more records")
	ErrMissingLagCapability = errors.New("upstream does not report lag")
)

var chunkFileRe = regexp.MustCompile(`^(\d+)\.chunk$`)

// Options configures a Buffer.
type Options struct {
	// In supplies fresh upstream instances, one per refill. Required.
	// Wrap a single long-lived instance with Fixed.
	In Factory

	// Dir is the buffer directory, shared by all cooperating processes.
	// Required. Created if missing (read-write mode only).
	Dir string

	// GCPeriod is the minimum interval between GC runs. Defaults to
	// DefaultGCPeriod.
	GCPeriod time.Duration

	// ReadOnly disables all mutation: no locks, no refills, no id
	// allocation, no GC, no commit. With no loadable chunks a read-only
	// buffer reads straight through a fresh upstream instance.
	ReadOnly bool

	// NoReadLock disables the directory-wide refill lock, for upstream
	// streams that serialize access themselves.
	NoReadLock bool

	// Compression selects payload compression for chunks this buffer
	// creates. Readers auto-detect per chunk.
	Compression journal.Compression

	// Logger for structured logging. If nil, logging is disabled.
	// The buffer scopes it with component="disk-buffer" and a short
	// instance id so interleaved multi-process logs stay attributable.
	Logger *slog.Logger

	// Now is the wall clock; tests inject a fake. Defaults to time.Now.
	Now func() time.Time
}

// Buffer is one process's handle on a buffer directory. Not safe for
// concurrent use within a process; coordination happens between processes,
// through the filesystem.
type Buffer struct {
	in          Factory
	dir         string
	gcPeriod    time.Duration
	readOnly    bool
	noReadLock  bool
	compression journal.Compression
	now         func() time.Time
	logger      *slog.Logger

	meta *metastore.Store

	current     *Chunk           // the locked chunk being drained
	prev        map[int64]*Chunk // drained to EOF but not yet committed
	passthrough In               // read-only fallback straight to upstream
	uncommitted int              // records read since last commit; seeds refill size
	gcCached    time.Time        // last known gc timestamp, avoids rereading meta
}

// New opens a buffer on dir. Read-write buffers create the directory if
// needed and run the rate-limited GC; read-only buffers require it to exist.
func New(opts Options) (*Buffer, error) {
	if opts.Dir == "" {
		return nil, ErrMissingDir
	}
	if opts.In == nil {
		return nil, ErrMissingUpstream
	}

	gcPeriod := opts.GCPeriod
	if gcPeriod == 0 {
		gcPeriod = DefaultGCPeriod
	}

	b := &Buffer{
		in:          opts.In,
		dir:         opts.Dir,
		gcPeriod:    gcPeriod,
		readOnly:    opts.ReadOnly,
		noReadLock:  opts.NoReadLock,
		compression: opts.Compression,
		now:         opts.Now,
		prev:        make(map[int64]*Chunk),
		meta:        metastore.Open(filepath.Join(opts.Dir, metaFileName)),
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.logger = logging.Default(opts.Logger).With(
		"component", "disk-buffer",
		"instance", uuid.NewString()[:8],
	)

	if b.readOnly {
		info, err := os.Stat(b.dir)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("buffer dir %s is not a directory", b.dir)
		}
	} else {
		if err := os.MkdirAll(b.dir, 0o755); err != nil {
			return nil, err
		}
		if err := b.tryGC(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Read returns the next record, or ErrNoMoreRecords when both the buffer
// directory and the upstream are exhausted.
func (b *Buffer) Read() ([]byte, error) {
	recs, err := b.ReadChunk(1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoMoreRecords
	}
	return recs[0], nil
}

// ReadChunk returns up to n records, draining buffered chunks in ascending
// id order and refilling from upstream as needed. An empty result with a nil
// error means exhaustion.
func (b *Buffer) ReadChunk(n int) ([][]byte, error) {
	var out [][]byte
	remaining := n
	for remaining > 0 {
		if b.passthrough == nil && b.current == nil {
			ok, err := b.nextChunk()
			if err != nil {
				return nil, err
			}
			if !ok {
				if !b.readOnly {
					break
				}
				// No loadable chunks: a read-only consumer falls through to
				// the upstream directly, without disturbing the directory.
				in, err := b.in()
				if err != nil {
					return nil, err
				}
				b.passthrough = in
			}
		}

		if b.passthrough != nil {
			recs, err := b.passthrough.ReadChunk(remaining)
			if err != nil {
				return nil, err
			}
			if len(recs) == 0 {
				break
			}
			out = append(out, recs...)
			b.uncommitted += len(recs)
			remaining -= len(recs)
			continue
		}

		recs, err := b.current.ReadChunk(remaining)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			// Drained. Park it until commit so we don't reload it, and so
			// commit can remove it.
			b.prev[b.current.ID()] = b.current
			b.current = nil
			continue
		}
		out = append(out, recs...)
		b.uncommitted += len(recs)
		remaining -= len(recs)
	}
	return out, nil
}

// Commit persists the current chunk's cursor, removes every drained chunk
// owned by this process, and resets the refill size. After commit the
// process owns no chunks.
func (b *Buffer) Commit() error {
	if b.readOnly {
		return ErrReadOnly
	}
	if b.current != nil {
		if err := b.current.Commit(); err != nil {
			return err
		}
		if err := b.current.Close(); err != nil {
			return err
		}
		b.current = nil
	}
	for _, c := range b.prev {
		if err := c.Remove(); err != nil {
			return err
		}
		b.logger.Debug("removed drained chunk", "chunk", c.ID())
	}
	b.prev = make(map[int64]*Chunk)
	b.uncommitted = 0
	return nil
}

// nextChunk makes some chunk current: the lowest-id loadable chunk in the
// directory, or a freshly refilled one. Returns false when neither exists.
func (b *Buffer) nextChunk() (bool, error) {
	ok, err := b.scanChunks()
	if err != nil || ok {
		return ok, err
	}
	if b.readOnly {
		return false, nil
	}
	return b.refill()
}

// scanChunks walks the buffer directory in ascending id order and claims the
// first loadable chunk. Chunks this process already drained are skipped.
func (b *Buffer) scanChunks() (bool, error) {
	ids, err := b.listChunkIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if _, drained := b.prev[id]; drained {
			continue
		}
		c := b.newChunk(id, b.readOnly)
		loaded, err := c.Load()
		if err != nil {
			return false, err
		}
		if loaded {
			b.current = c
			b.logger.Debug("claimed chunk", "chunk", id)
			return true, nil
		}
	}
	return false, nil
}

func (b *Buffer) listChunkIDs() ([]int64, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		m := chunkFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

type refillState int

const (
	refillLoaded refillState = iota
	refillExhausted
	refillStolen
	refillContended
)

// refill pulls a batch from upstream and materializes a new chunk. It loops
// because another process may steal the chunk between our rename and our
// load, and because the refill lock may be contended.
func (b *Buffer) refill() (bool, error) {
	if err := b.tryGC(); err != nil {
		return false, err
	}
	for {
		state, err := b.refillOnce()
		if err != nil {
			return false, err
		}
		switch state {
		case refillLoaded:
			return true, nil
		case refillExhausted:
			return false, nil
		case refillStolen:
			// Retry with the same uncommitted count.
		case refillContended:
			// Another process holds the refill lock; its chunk may already
			// be stealable, otherwise give it a moment.
			ok, err := b.scanChunks()
			if err != nil || ok {
				return ok, err
			}
			time.Sleep(refillRetryDelay)
		}
	}
}

func (b *Buffer) refillOnce() (refillState, error) {
	var guard *fslock.Guard
	if !b.noReadLock {
		var err error
		guard, err = fslock.TryAcquire(filepath.Join(b.dir, readLockName))
		if err != nil {
			return 0, err
		}
		if guard == nil {
			return refillContended, nil
		}
	}
	releaseReadLock := func() {
		if guard != nil {
			_ = guard.Release()
			guard = nil
		}
	}
	defer releaseReadLock()

	in, err := b.in()
	if err != nil {
		return 0, err
	}
	defer closeIn(in)

	// Plus one so the chunk size grows with read pressure; the count resets
	// on commit.
	recs, err := in.ReadChunk(b.uncommitted + 1)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return refillExhausted, nil
	}

	id, err := b.meta.Inc("id")
	if err != nil {
		return 0, err
	}
	c := b.newChunk(id, false)
	if err := c.Create(recs); err != nil {
		return 0, err
	}
	if err := in.Commit(); err != nil {
		return 0, err
	}

	// The refill lock is released before we take the chunk lock, so slow
	// consumers don't throttle other refillers. The price is that someone
	// may lock our chunk first; the caller retries.
	releaseReadLock()
	loaded, err := c.Load()
	if err != nil {
		return 0, err
	}
	if !loaded {
		b.logger.Debug("chunk stolen before load", "chunk", id)
		return refillStolen, nil
	}
	b.current = c
	b.logger.Debug("refilled chunk", "chunk", id, "records", len(recs))
	return refillLoaded, nil
}

// BufferLag sums the unread bytes across every chunk in the directory,
// excluding chunks this process has drained. The current chunk is measured
// through its live cursor; all others through read-only clones.
func (b *Buffer) BufferLag() (uint64, error) {
	ids, err := b.listChunkIDs()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, id := range ids {
		if _, drained := b.prev[id]; drained {
			continue
		}
		if b.current != nil && b.current.ID() == id {
			lag, err := b.current.Lag()
			if err != nil {
				return 0, err
			}
			total += lag
			continue
		}
		ro := b.newChunk(id, true)
		lag, err := ro.Lag()
		_ = ro.Close()
		if err != nil {
			return 0, err
		}
		total += lag
	}
	return total, nil
}

// Lag returns upstream lag plus buffer lag. The live passthrough cursor is
// consulted when one exists, otherwise a fresh upstream instance. Fails with
// ErrMissingLagCapability when the upstream cannot report lag.
func (b *Buffer) Lag() (uint64, error) {
	up := b.passthrough
	if up == nil {
		in, err := b.in()
		if err != nil {
			return 0, err
		}
		defer closeIn(in)
		up = in
	}
	lagger, ok := up.(Lagger)
	if !ok {
		return 0, ErrMissingLagCapability
	}
	upLag, err := lagger.Lag()
	if err != nil {
		return 0, err
	}
	bufLag, err := b.BufferLag()
	if err != nil {
		return 0, err
	}
	return upLag + bufLag, nil
}

// ChunkInfo describes one chunk for inspection tooling.
type ChunkInfo struct {
	ID     int64
	Lag    uint64 // unread bytes at the committed cursor
	Locked bool   // only probed in read-write mode
}

// Chunks lists the directory's chunks. In read-write mode each chunk's
// ownership lock is probed (acquire and immediately release); read-only
// buffers skip the probe and report Locked=false.
func (b *Buffer) Chunks() ([]ChunkInfo, error) {
	ids, err := b.listChunkIDs()
	if err != nil {
		return nil, err
	}
	infos := make([]ChunkInfo, 0, len(ids))
	for _, id := range ids {
		info := ChunkInfo{ID: id}
		ro := b.newChunk(id, true)
		info.Lag, err = ro.Lag()
		_ = ro.Close()
		if err != nil {
			return nil, err
		}
		if !b.readOnly {
			guard, err := fslock.TryAcquire(filepath.Join(b.dir, fmt.Sprintf("%d.lock", id)))
			if err != nil {
				return nil, err
			}
			if guard == nil {
				info.Locked = true
			} else {
				_ = guard.Release()
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Close releases every chunk lock and cursor held by this buffer without
// committing. Uncommitted reads are re-delivered to the next owner.
func (b *Buffer) Close() error {
	var errs []error
	if b.current != nil {
		if err := b.current.Close(); err != nil {
			errs = append(errs, err)
		}
		b.current = nil
	}
	for _, c := range b.prev {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.prev = make(map[int64]*Chunk)
	if b.passthrough != nil {
		closeIn(b.passthrough)
		b.passthrough = nil
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (b *Buffer) newChunk(id int64, readOnly bool) *Chunk {
	return &Chunk{
		dir:         b.dir,
		id:          id,
		readOnly:    readOnly,
		compression: b.compression,
		now:         b.now,
	}
}
