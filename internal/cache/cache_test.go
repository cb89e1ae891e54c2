package cache

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddAndHas(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	if c.Has("abc") {
		t.Error("Empty cache claims a fingerprint")
	}
	if err := c.Add("abc", 100); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !c.Has("abc") {
		t.Error("Cache lost a fingerprint")
	}

	// Duplicate adds are no-ops
	if err := c.Add("abc", 100); err != nil {
		t.Fatalf("Duplicate add errored: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", c.Len())
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, _ := Open(dir, testLogger())
	c.Add("one", 1)
	c.Add("two", 2)
	c.Close()

	c2, err := Open(dir, testLogger())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer c2.Close()
	if !c2.Has("one") || !c2.Has("two") {
		t.Error("Entries lost across reopen")
	}
	if c2.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", c2.Len())
	}
}

// A corrupt line is skipped; the loader never attempts recovery
func TestCorruptLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	c, _ := Open(dir, testLogger())
	c.Add("good", 1)
	c.Close()

	path := filepath.Join(dir, "state", "cache.json")
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString("{this is not json\n")
	f.Close()
	c2, _ := Open(dir, testLogger())
	defer c2.Close()
	c2.Add("after", 2)

	if !c2.Has("good") || !c2.Has("after") {
		t.Error("Cache should keep readable entries around corruption")
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	os.WriteFile(path, []byte("deterministic"), 0644)

	fp1, size, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if size != int64(len("deterministic")) {
		t.Errorf("Expected size %d, got %d", len("deterministic"), size)
	}
	fp2, _, _ := Fingerprint(path)
	if fp1 != fp2 {
		t.Error("Fingerprint not deterministic")
	}
	if len(fp1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(fp1))
	}

	os.WriteFile(path, []byte("determinislic"), 0644)
	fp3, _, _ := Fingerprint(path)
	if fp3 == fp1 {
		t.Error("Different content produced the same fingerprint")
	}
}
