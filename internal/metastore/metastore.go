// Package metastore implements the small persistent key/value map shared by
// every process using one buffer directory.
//
// The store is a single file: a 4-byte format header followed by a
// msgpack-encoded map[string]int64. Updates run under a blocking flock on a
// sidecar lock file and replace the file via tmp + rename, so a torn write is
// never observable and concurrent updaters serialize. Reads take no lock;
// they see either the old or the new file.
package metastore

import (
	"fmt"
	"os"
	"path/filepath"

	"diskbuffer/internal/format"
	"diskbuffer/internal/fslock"

	"github.com/vmihailenco/msgpack/v5"
)

const metaVersion = 1

// Store is a handle to a metadata file. Opening performs no I/O; a missing
// file reads as an empty map.
type Store struct {
	path string
	mode os.FileMode
}

// Open returns a store handle for the metadata file at path.
func Open(path string) *Store {
	return &Store{path: path, mode: 0o644}
}

// Get returns the value for key, and whether it was present.
func (s *Store) Get(key string) (int64, bool, error) {
	m, err := s.load()
	if err != nil {
		return 0, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

// Update applies fn to the current map and persists the result atomically.
// fn runs under the store lock; keep it short and free of I/O.
func (s *Store) Update(fn func(map[string]int64)) error {
	guard, err := fslock.Acquire(s.path + ".lock")
	if err != nil {
		return err
	}
	defer func() { _ = guard.Release() }()

	m, err := s.load()
	if err != nil {
		return err
	}
	fn(m)
	return s.save(m)
}

// Inc increments key by one and returns the new value. Values start at zero,
// so the first Inc returns 1. This is the chunk id allocator: ids are
// strictly increasing and never reused, even if the caller crashes after
// allocation.
func (s *Store) Inc(key string) (int64, error) {
	var out int64
	err := s.Update(func(m map[string]int64) {
		m[key]++
		out = m[key]
	})
	return out, err
}

func (s *Store) load() (map[string]int64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int64{}, nil
		}
		return nil, err
	}
	if len(data) < format.HeaderSize {
		return nil, fmt.Errorf("meta file %s: %w", s.path, format.ErrHeaderTooSmall)
	}
	if _, err := format.DecodeAndValidate(data[:format.HeaderSize], format.TypeMeta, metaVersion); err != nil {
		return nil, fmt.Errorf("meta file %s: %w", s.path, err)
	}
	m := map[string]int64{}
	if err := msgpack.Unmarshal(data[format.HeaderSize:], &m); err != nil {
		return nil, fmt.Errorf("meta file %s: %w", s.path, err)
	}
	return m, nil
}

// save writes the map through a tmp file in the same directory. The tmp name
// keeps the "meta" prefix so directory scans can treat all metadata files as
// one family.
func (s *Store) save(m map[string]int64) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return err
	}
	buf := make([]byte, format.HeaderSize, format.HeaderSize+len(body))
	header := format.Header{Type: format.TypeMeta, Version: metaVersion}
	header.EncodeInto(buf)
	buf = append(buf, body...)

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(s.mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
