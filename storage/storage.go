// Package storage persists small key/value records in a single
// CBOR-encoded file, replaced atomically on every store.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// Key identifies a stored record.
type Key string

const (
	KeySettings Key = "config/settings"
	KeyRecord   Key = "record/data"
)

type Store struct {
	log  *zap.SugaredLogger
	path string

	mu      sync.Mutex
	entries map[Key]cbor.RawMessage
}

// Open loads the store at path. A missing file starts empty; a corrupt
// file is discarded and the store starts empty, mirroring a factory
// reset.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		log:     log,
		path:    path,
		entries: make(map[Key]cbor.RawMessage),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infow("storage initialized", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := cbor.Unmarshal(data, &s.entries); err != nil {
		log.Warnw("corrupt storage, resetting", "path", path, "error", err)
		s.entries = make(map[Key]cbor.RawMessage)
	}
	return s, nil
}

// Fetch decodes the record at key into out. It reports whether the key
// was present.
func (s *Store) Fetch(key Key, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: %s: %w", key, err)
	}
	return true, nil
}

// Store encodes v under key and rewrites the backing file.
func (s *Store) Store(key Key, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = raw
	data, err := cbor.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
