// Package ledger implements the durable key-to-record maps that give every
// clerkd component its exactly-once guarantee. A ledger is a single JSON
// object on disk; the presence of a key is proof that the keyed action
// already happened. Keys are only removed by an explicit manual reset.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrAlreadyRecorded is returned by Record when the key already exists and
// the caller did not ask for an overwrite.
var ErrAlreadyRecorded = errors.New("ledger: key already recorded")

// Fields are the arbitrary status fields stored under a ledger key.
type Fields map[string]any

// Store is a file-backed ledger. Every write rebuilds the full document in
// memory, writes it to a temporary file, and renames it over the original,
// so a reader never observes a partially written ledger. The single-process
// cycle model means no locking is needed; the atomic rename protects against
// crashes, not concurrent writers.
type Store struct {
	path string
}

// New returns a ledger backed by the JSON file at path. The file does not
// need to exist yet; a missing or empty file reads as an empty ledger.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// load reads the full ledger from disk. Missing and empty files are treated
// as "no entries yet".
func (s *Store) load() (map[string]Fields, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Fields{}, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return map[string]Fields{}, nil
	}
	var entries map[string]Fields
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", s.path, err)
	}
	if entries == nil {
		entries = map[string]Fields{}
	}
	return entries, nil
}

// save writes the full ledger atomically (temp file + rename).
func (s *Store) save(entries map[string]Fields) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ensure ledger dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename ledger temp file: %w", err)
	}
	return nil
}

// Has reports whether key exists in the ledger.
func (s *Store) Has(key string) (bool, error) {
	entries, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := entries[key]
	return ok, nil
}

// Get returns the fields stored under key, or nil if the key is absent.
func (s *Store) Get(key string) (Fields, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	return entries[key], nil
}

// Record stores fields under key. If the key already exists and overwrite is
// false, it fails with ErrAlreadyRecorded and leaves the ledger untouched.
func (s *Store) Record(key string, fields Fields, overwrite bool) error {
	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[key]; ok && !overwrite {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, key)
	}
	if fields == nil {
		fields = Fields{}
	}
	entries[key] = fields
	return s.save(entries)
}

// Update merges fields into the record under key, creating the record if it
// does not exist yet.
func (s *Store) Update(key string, merge Fields) error {
	entries, err := s.load()
	if err != nil {
		return err
	}
	existing, ok := entries[key]
	if !ok {
		existing = Fields{}
	}
	for k, v := range merge {
		existing[k] = v
	}
	entries[key] = existing
	return s.save(entries)
}

// Delete removes key from the ledger. This is the manual reset path; the
// normal protocol never removes keys. Deleting an absent key is a no-op
// that returns false.
func (s *Store) Delete(key string) (bool, error) {
	entries, err := s.load()
	if err != nil {
		return false, err
	}
	if _, ok := entries[key]; !ok {
		return false, nil
	}
	delete(entries, key)
	if err := s.save(entries); err != nil {
		return false, err
	}
	return true, nil
}

// All returns a copy of every entry in the ledger.
func (s *Store) All() (map[string]Fields, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Fields, len(entries))
	for k, v := range entries {
		fields := make(Fields, len(v))
		for fk, fv := range v {
			fields[fk] = fv
		}
		out[k] = fields
	}
	return out, nil
}

// Keys returns all ledger keys in lexicographic order.
func (s *Store) Keys() ([]string, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of entries.
func (s *Store) Len() (int, error) {
	entries, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// String helps ledgers read back typed values: JSON round-trips everything
// through interface{}, so callers fetch strings with a tolerant accessor.
func (f Fields) String(key string) string {
	if v, ok := f[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// Int fetches an integer field, tolerating the float64 JSON numbers produce.
func (f Fields) Int(key string) int {
	switch v := f[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
