package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrCollision reports that a move destination already held a same-named
// document. The store resolves collisions itself by suffixing, so callers
// only see this wrapped in log output, never as a hard failure.
var ErrCollision = errors.New("vault: destination document already exists")

// ErrNotFound reports a missing document.
var ErrNotFound = errors.New("vault: document not found")

// Store is the file-system task store. Each stage is a directory directly
// under Root; a document's identity is its filename within a stage.
type Store struct {
	Root string

	// now is injectable for deterministic collision suffixes in tests.
	now func() time.Time
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{Root: dir, now: time.Now}
}

// WithClock overrides the store clock. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// StagePath returns the directory for a stage.
func (s *Store) StagePath(stage string) string {
	return filepath.Join(s.Root, stage)
}

// DocPath returns the path of a document within a stage.
func (s *Store) DocPath(stage, name string) string {
	return filepath.Join(s.Root, stage, name)
}

// EnsureStages creates the given stage directories.
func (s *Store) EnsureStages(stages ...string) error {
	for _, stage := range stages {
		if err := os.MkdirAll(s.StagePath(stage), 0o755); err != nil {
			return fmt.Errorf("ensure stage %s: %w", stage, err)
		}
	}
	return nil
}

// List returns the markdown document names in a stage, sorted
// lexicographically so cycle processing order is deterministic. A missing
// stage directory lists as empty.
func (s *Store) List(stage string) ([]string, error) {
	entries, err := os.ReadDir(s.StagePath(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list stage %s: %w", stage, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of documents in a stage.
func (s *Store) Count(stage string) (int, error) {
	names, err := s.List(stage)
	return len(names), err
}

// Exists reports whether a document is present in a stage.
func (s *Store) Exists(stage, name string) bool {
	info, err := os.Stat(s.DocPath(stage, name))
	return err == nil && !info.IsDir()
}

// Read loads a document from a stage.
func (s *Store) Read(stage, name string) (*Document, error) {
	data, err := os.ReadFile(s.DocPath(stage, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, stage, name)
		}
		return nil, fmt.Errorf("read %s/%s: %w", stage, name, err)
	}
	return &Document{Name: name, Content: string(data)}, nil
}

// ModTime returns a document's last-modified timestamp.
func (s *Store) ModTime(stage, name string) (time.Time, error) {
	info, err := os.Stat(s.DocPath(stage, name))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("%w: %s/%s", ErrNotFound, stage, name)
		}
		return time.Time{}, fmt.Errorf("stat %s/%s: %w", stage, name, err)
	}
	return info.ModTime(), nil
}

// Write persists a document into a stage atomically (temp file + rename).
func (s *Store) Write(stage string, doc *Document) error {
	if err := os.MkdirAll(s.StagePath(stage), 0o755); err != nil {
		return fmt.Errorf("ensure stage %s: %w", stage, err)
	}
	path := s.DocPath(stage, doc.Name)
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, []byte(doc.Content), 0o644); err != nil {
		return fmt.Errorf("write %s/%s: %w", stage, doc.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s/%s: %w", stage, doc.Name, err)
	}
	return nil
}

// Mutate reads a document, applies fn, and persists the result atomically.
func (s *Store) Mutate(stage, name string, fn func(*Document) error) error {
	doc, err := s.Read(stage, name)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.Write(stage, doc)
}

// Move relocates a document between stages and returns its final name. When
// the destination already holds a same-named document the move does not
// overwrite it; the incoming document gets a deterministic timestamp suffix
// instead.
func (s *Store) Move(name, fromStage, toStage string) (string, error) {
	src := s.DocPath(fromStage, name)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s/%s", ErrNotFound, fromStage, name)
		}
		return "", fmt.Errorf("stat %s/%s: %w", fromStage, name, err)
	}
	if err := os.MkdirAll(s.StagePath(toStage), 0o755); err != nil {
		return "", fmt.Errorf("ensure stage %s: %w", toStage, err)
	}
	destName := name
	if s.Exists(toStage, destName) {
		destName = suffixName(name, s.now().UTC())
	}
	if err := os.Rename(src, s.DocPath(toStage, destName)); err != nil {
		return "", fmt.Errorf("move %s from %s to %s: %w", name, fromStage, toStage, err)
	}
	return destName, nil
}

// Remove deletes a document from a stage. Used only by tests and manual
// cleanup; the protocol itself archives rather than deletes.
func (s *Store) Remove(stage, name string) error {
	if err := os.Remove(s.DocPath(stage, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s/%s: %w", stage, name, err)
	}
	return nil
}

// AppendLog appends a timestamped line to a log file in the Logs stage.
// Best effort append, in the shape "[timestamp] [component] message".
func (s *Store) AppendLog(logsStage, file, component, message string) error {
	dir := s.StagePath(logsStage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure logs dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", file, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] [%s] %s\n", s.now().UTC().Format(TimeFormat), component, message)
	return err
}

// suffixName appends a timestamp before the extension:
// task.md -> task_20260830_120000.md
func suffixName(name string, at time.Time) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%s%s", base, at.Format("20060102_150405"), ext)
}

// SafeName converts an arbitrary filename into a task-safe token.
func SafeName(name string) string {
	r := strings.NewReplacer(".", "_", " ", "_")
	return r.Replace(name)
}
