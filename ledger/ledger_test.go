package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "test_ledger.json"))
}

func TestMissingFileReadsEmpty(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.Has("anything")
	if err != nil {
		t.Fatalf("Has on missing file: %v", err)
	}
	if ok {
		t.Error("expected missing key in missing file")
	}
	n, err := s.Len()
	if err != nil || n != 0 {
		t.Errorf("Len = %d, %v; want 0, nil", n, err)
	}
}

func TestEmptyFileReadsEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.Path(), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys on empty file: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("got %d keys, want 0", len(keys))
	}
}

func TestRecordAndDuplicate(t *testing.T) {
	s := newTestStore(t)
	if err := s.Record("task.md", Fields{"status": "seen"}, false); err != nil {
		t.Fatalf("first record: %v", err)
	}
	err := s.Record("task.md", Fields{"status": "again"}, false)
	if !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("duplicate record err = %v, want ErrAlreadyRecorded", err)
	}
	rec, err := s.Get("task.md")
	if err != nil {
		t.Fatal(err)
	}
	if rec.String("status") != "seen" {
		t.Errorf("duplicate overwrote fields: %v", rec)
	}
}

func TestRecordOverwrite(t *testing.T) {
	s := newTestStore(t)
	if err := s.Record("k", Fields{"v": 1}, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Record("k", Fields{"v": 2}, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	rec, _ := s.Get("k")
	if rec.Int("v") != 2 {
		t.Errorf("v = %d, want 2", rec.Int("v"))
	}
}

func TestUpdateMergesAndCreates(t *testing.T) {
	s := newTestStore(t)
	if err := s.Update("k", Fields{"a": "1"}); err != nil {
		t.Fatalf("update absent key: %v", err)
	}
	if err := s.Update("k", Fields{"b": "2"}); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get("k")
	if rec.String("a") != "1" || rec.String("b") != "2" {
		t.Errorf("merge lost fields: %v", rec)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if removed, err := s.Delete("absent"); err != nil || removed {
		t.Errorf("delete absent = %v, %v; want false, nil", removed, err)
	}
	s.Record("k", nil, false)
	if removed, err := s.Delete("k"); err != nil || !removed {
		t.Errorf("delete present = %v, %v; want true, nil", removed, err)
	}
	if ok, _ := s.Has("k"); ok {
		t.Error("key survived delete")
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	first := New(path)
	if err := first.Record("durable", Fields{"n": 7}, false); err != nil {
		t.Fatal(err)
	}
	second := New(path)
	rec, err := second.Get("durable")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Int("n") != 7 {
		t.Errorf("n = %d after reopen, want 7", rec.Int("n"))
	}
}

func TestNoTempFileResidue(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Update("k", Fields{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestKeysSorted(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"c", "a", "b"} {
		s.Record(k, nil, false)
	}
	keys, err := s.Keys()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestFieldsIntFromJSON(t *testing.T) {
	s := newTestStore(t)
	s.Record("k", Fields{"n": 42}, false)
	rec, _ := New(s.Path()).Get("k") // re-read so the number round-trips JSON
	if rec.Int("n") != 42 {
		t.Errorf("Int = %d, want 42", rec.Int("n"))
	}
}
