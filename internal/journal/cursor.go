package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"diskbuffer/internal/format"
	"diskbuffer/internal/fslock"

	"github.com/klauspost/compress/zstd"
)

const positionVersion = 1

var (
	ErrNoMoreRecords  = errors.New("no more records")
	ErrReadOnlyCursor = errors.New("cursor is read-only")
)

// Cursor is a consumer cursor over a journal. The read position is a byte
// offset into the uncompressed record stream, persisted to a sidecar position
// file on Commit. Reads past the committed position are re-delivered to the
// next cursor unless committed.
//
// A read-only cursor starts from the persisted position but never writes or
// locks; it observes a peer's progress without disturbing it.
type Cursor struct {
	path     string
	posPath  string
	readOnly bool

	compressed bool
	file       *os.File // uncompressed journals read straight from the file
	body       []byte   // compressed journals are decompressed on open
	pos        uint64   // byte offset into the uncompressed record stream
}

// OpenCursor opens a consumer cursor for the journal at path, persisting its
// position at posPath. In read-write mode a missing position file is created
// at offset zero so sidecar state is visible as soon as the consumer exists.
func OpenCursor(path, posPath string, readOnly bool) (*Cursor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	headerBuf := make([]byte, format.HeaderSize)
	if _, err := file.ReadAt(headerBuf, 0); err != nil {
		_ = file.Close()
		return nil, err
	}
	h, err := format.DecodeAndValidate(headerBuf, format.TypeJournal, journalVersion)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	c := &Cursor{
		path:       path,
		posPath:    posPath,
		readOnly:   readOnly,
		compressed: h.Flags&format.FlagZstd != 0,
	}

	if c.compressed {
		raw, err := io.ReadAll(io.NewSectionReader(file, format.HeaderSize, 1<<62))
		_ = file.Close()
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, fmt.Errorf("create zstd decoder: %w", err)
			}
			c.body, err = dec.DecodeAll(raw, nil)
			dec.Close()
			if err != nil {
				return nil, fmt.Errorf("decompress journal %s: %w", path, err)
			}
		}
	} else {
		c.file = file
	}

	pos, found, err := readPosition(posPath)
	if err != nil {
		c.closeQuietly()
		return nil, err
	}
	c.pos = pos
	if !found && !readOnly {
		if err := c.persistPosition(); err != nil {
			c.closeQuietly()
			return nil, err
		}
	}
	return c, nil
}

// In opens a read-write cursor whose position file sits next to the journal.
// This is the canonical upstream source: a fresh In per refill rereads the
// persisted position.
func In(path string) (*Cursor, error) {
	return OpenCursor(path, path+".pos", false)
}

// Read returns the next record, or ErrNoMoreRecords at end of journal.
// A torn trailing record (a concurrent append not yet complete) reads as end
// of journal and is not consumed.
func (c *Cursor) Read() ([]byte, error) {
	if c.compressed {
		if c.pos+4 > uint64(len(c.body)) {
			return nil, ErrNoMoreRecords
		}
		size := uint64(binary.LittleEndian.Uint32(c.body[c.pos : c.pos+4]))
		if c.pos+4+size > uint64(len(c.body)) {
			return nil, ErrNoMoreRecords
		}
		rec := make([]byte, size)
		copy(rec, c.body[c.pos+4:c.pos+4+size])
		c.pos += 4 + size
		return rec, nil
	}

	offset := int64(format.HeaderSize) + int64(c.pos)
	var lenBuf [4]byte
	if _, err := c.file.ReadAt(lenBuf[:], offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoMoreRecords
		}
		return nil, err
	}
	size := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	rec := make([]byte, size)
	if _, err := c.file.ReadAt(rec, offset+4); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoMoreRecords
		}
		return nil, err
	}
	c.pos += uint64(4 + size)
	return rec, nil
}

// ReadChunk returns up to n records. A nil result with a nil error means the
// journal is exhausted.
func (c *Cursor) ReadChunk(n int) ([][]byte, error) {
	var out [][]byte
	for len(out) < n {
		rec, err := c.Read()
		if errors.Is(err, ErrNoMoreRecords) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Commit persists the current position. Idempotent.
func (c *Cursor) Commit() error {
	if c.readOnly {
		return ErrReadOnlyCursor
	}
	return c.persistPosition()
}

// Lag returns the number of unread bytes between the cursor and the end of
// the journal's record stream.
func (c *Cursor) Lag() (uint64, error) {
	if c.compressed {
		if c.pos >= uint64(len(c.body)) {
			return 0, nil
		}
		return uint64(len(c.body)) - c.pos, nil
	}
	info, err := c.file.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size() - format.HeaderSize
	if size < 0 || uint64(size) <= c.pos {
		return 0, nil
	}
	return uint64(size) - c.pos, nil
}

// Close releases the cursor's file handle. It does not commit.
func (c *Cursor) Close() error {
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}

func (c *Cursor) closeQuietly() {
	_ = c.Close()
}

// persistPosition writes the position file atomically under the cursor lock.
// The lock serializes concurrent committers, which share one tmp path;
// position readers take no lock and see the old or the new file through the
// rename. Chunk ownership already guarantees a single committer per chunk.
func (c *Cursor) persistPosition() error {
	guard, err := fslock.Acquire(c.posPath + ".lock")
	if err != nil {
		return err
	}
	defer func() { _ = guard.Release() }()

	buf := make([]byte, format.HeaderSize+8)
	header := format.Header{Type: format.TypePosition, Version: positionVersion}
	header.EncodeInto(buf)
	binary.LittleEndian.PutUint64(buf[format.HeaderSize:], c.pos)

	tmpPath := c.posPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, c.posPath)
}

// readPosition loads a persisted position. A missing file is position zero.
func readPosition(posPath string) (uint64, bool, error) {
	data, err := os.ReadFile(posPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(data) < format.HeaderSize+8 {
		return 0, false, fmt.Errorf("position file %s: %w", posPath, format.ErrHeaderTooSmall)
	}
	if _, err := format.DecodeAndValidate(data[:format.HeaderSize], format.TypePosition, positionVersion); err != nil {
		return 0, false, fmt.Errorf("position file %s: %w", posPath, err)
	}
	return binary.LittleEndian.Uint64(data[format.HeaderSize:]), true, nil
}
