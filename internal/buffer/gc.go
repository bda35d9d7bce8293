package buffer

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	sidecarRe = regexp.MustCompile(`^(\d+)\.(lock|status|status\.lock)$`)
	tmpFileRe = regexp.MustCompile(`^(\d+)\.tmp\.(\d+)\.(\d+)\.(\d+)$`)
)

// tryGC runs GC if the shared gc timestamp says the period has elapsed.
// The first process to touch a fresh directory only initializes the
// timestamp, so concurrent constructors don't stampede. The cached
// timestamp short-circuits the meta read on most calls.
func (b *Buffer) tryGC() error {
	now := b.now()
	if !b.gcCached.IsZero() && now.Before(b.gcCached.Add(b.gcPeriod)) {
		return nil
	}

	run := false
	err := b.meta.Update(func(m map[string]int64) {
		ts, ok := m["gc_timestamp"]
		if !ok {
			m["gc_timestamp"] = now.Unix()
			b.gcCached = now
			return
		}
		last := time.Unix(ts, 0)
		if now.After(last.Add(b.gcPeriod)) {
			m["gc_timestamp"] = now.Unix()
			b.gcCached = now
			run = true
			return
		}
		b.gcCached = last
	})
	if err != nil {
		return err
	}
	if !run {
		return nil
	}
	return b.GC()
}

// GC classifies every file in the buffer directory and removes what no
// longer serves anything: orphan sidecars of removed chunks, aged tmp files
// from dead refills, and files that don't belong at all. Live chunk
// payloads, the metadata family, and the refill lock are never touched.
func (b *Buffer) GC() error {
	if b.readOnly {
		return ErrReadOnly
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	now := b.now()

	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasPrefix(name, metaFileName):
			// meta, meta.lock, meta-*.tmp

		case name == readLockName:

		case chunkFileRe.MatchString(name):
			// Live payload.

		case sidecarRe.MatchString(name):
			id, err := strconv.ParseInt(sidecarRe.FindStringSubmatch(name)[1], 10, 64)
			if err != nil {
				continue
			}
			c := b.newChunk(id, false)
			if err := c.Cleanup(); err != nil {
				// A held lock or an already-missing file is not an error
				// here; this is a filesystem failure, and the next GC gets
				// another look.
				b.logger.Debug("sidecar cleanup skipped", "file", name, "error", err)
			}

		case tmpFileRe.MatchString(name):
			ts, err := strconv.ParseInt(tmpFileRe.FindStringSubmatch(name)[3], 10, 64)
			if err != nil {
				continue
			}
			if now.Sub(time.Unix(ts, 0)) <= staleTmpAge {
				continue
			}
			if err := os.Remove(filepath.Join(b.dir, name)); err != nil && !os.IsNotExist(err) {
				b.logger.Debug("stale tmp removal failed", "file", name, "error", err)
			} else {
				b.logger.Info("removed stale tmp file", "file", name)
			}

		default:
			b.logger.Warn("removing unknown file from buffer dir", "file", name)
			if err := os.Remove(filepath.Join(b.dir, name)); err != nil && !os.IsNotExist(err) {
				b.logger.Debug("unknown file removal failed", "file", name, "error", err)
			}
		}
	}
	return nil
}
