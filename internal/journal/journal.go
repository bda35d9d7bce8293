// Package journal implements the on-disk record store used for chunk
// payloads and upstream source files.
//
// A journal is a single file: a 4-byte format header followed by a stream of
// length-prefixed records ([u32 little-endian length][payload]). When the
// zstd flag is set, the bytes after the header are one zstd frame whose
// decompressed content is that same record stream.
//
// Writers produce the file in one shot (Create + WriteChunk + Commit); the
// payload is immutable after Commit. Consumers read through a Cursor with a
// persistent position file, so progress survives process restarts.
package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"diskbuffer/internal/format"

	"github.com/klauspost/compress/zstd"
)

const journalVersion = 1

// Compression selects the payload compression algorithm.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
)

var (
	ErrCommitted      = errors.New("journal writer already committed")
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
	ErrCompressed     = errors.New("cannot append to a compressed journal")
)

// Options configures a journal writer.
type Options struct {
	// Mode is the file mode for newly created journals. Defaults to 0o644
	// so read-only peers under a different UID can inspect the payload.
	Mode os.FileMode

	// Compression selects payload compression. Defaults to CompressionNone.
	Compression Compression
}

func (o Options) withDefaults() Options {
	if o.Mode == 0 {
		o.Mode = 0o644
	}
	return o
}

// Writer writes a record journal. Records are staged with Append or
// WriteChunk and persisted by Commit, which syncs and closes the file.
type Writer struct {
	path      string
	file      *os.File
	opts      Options
	pending   bytes.Buffer // record stream; compressed journals encode it at commit
	committed bool
}

// Create creates a new journal file at path. Fails if the file exists.
func Create(path string, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, opts.Mode)
	if err != nil {
		return nil, err
	}
	var flags byte
	if opts.Compression == CompressionZstd {
		flags |= format.FlagZstd
	}
	header := format.Header{Type: format.TypeJournal, Version: journalVersion, Flags: flags}
	headerBytes := header.Encode()
	if _, err := file.Write(headerBytes[:]); err != nil {
		_ = file.Close()
		return nil, err
	}
	return &Writer{path: path, file: file, opts: opts}, nil
}

// OpenAppend reopens an existing uncompressed journal for appending records.
// Used by source-file tooling; chunk payloads are never reopened for writing.
func OpenAppend(path string, opts Options) (*Writer, error) {
	opts = opts.withDefaults()

	headerBuf := make([]byte, format.HeaderSize)
	probe, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	_, readErr := probe.ReadAt(headerBuf, 0)
	_ = probe.Close()
	if readErr != nil {
		return nil, readErr
	}
	h, err := format.DecodeAndValidate(headerBuf, format.TypeJournal, journalVersion)
	if err != nil {
		return nil, err
	}
	if h.Flags&format.FlagZstd != 0 {
		return nil, ErrCompressed
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, opts.Mode)
	if err != nil {
		return nil, err
	}
	opts.Compression = CompressionNone
	return &Writer{path: path, file: file, opts: opts}, nil
}

// Append stages a single record.
func (w *Writer) Append(rec []byte) error {
	if w.committed {
		return ErrCommitted
	}
	if len(rec) > math.MaxUint32 {
		return ErrRecordTooLarge
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(rec)))
	w.pending.Write(lenBuf[:])
	w.pending.Write(rec)
	return nil
}

// WriteChunk stages a batch of records.
func (w *Writer) WriteChunk(recs [][]byte) error {
	for _, rec := range recs {
		if err := w.Append(rec); err != nil {
			return err
		}
	}
	return nil
}

// Commit persists the staged records, syncs, and closes the file.
func (w *Writer) Commit() error {
	if w.committed {
		return ErrCommitted
	}
	w.committed = true

	data := w.pending.Bytes()
	if w.opts.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			_ = w.file.Close()
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}

	if len(data) > 0 {
		if _, err := w.file.Write(data); err != nil {
			_ = w.file.Close()
			return err
		}
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// Close abandons an uncommitted writer without syncing. The caller removes
// the file if it should not survive.
func (w *Writer) Close() error {
	if w.committed {
		return nil
	}
	w.committed = true
	return w.file.Close()
}
