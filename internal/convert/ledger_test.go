package convert

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddAndDrainOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLedger(dir, testLogger())
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}

	l.Add(&Entry{InputPath: "/v/first.avi"})
	time.Sleep(5 * time.Millisecond)
	l.Add(&Entry{InputPath: "/v/second.avi"})

	e1 := l.NextPending()
	if e1 == nil || e1.InputPath != "/v/first.avi" {
		t.Fatalf("Expected oldest entry first, got %+v", e1)
	}
	if e1.Status != StatusInProgress {
		t.Errorf("NextPending should mark in_progress, got %s", e1.Status)
	}

	e2 := l.NextPending()
	if e2 == nil || e2.InputPath != "/v/second.avi" {
		t.Fatalf("Expected second entry, got %+v", e2)
	}
	if l.NextPending() != nil {
		t.Error("Exhausted ledger still hands out work")
	}
}

func TestDuplicateAddIgnored(t *testing.T) {
	l, _ := OpenLedger(t.TempDir(), testLogger())
	l.Add(&Entry{InputPath: "/v/x.avi"})
	l.Add(&Entry{InputPath: "/v/x.avi"})
	if l.PendingCount() != 1 {
		t.Errorf("Expected 1 pending entry, got %d", l.PendingCount())
	}
}

func TestFailureRetriesThenTerminal(t *testing.T) {
	l, _ := OpenLedger(t.TempDir(), testLogger())
	l.Add(&Entry{InputPath: "/v/x.avi"})
	l.NextPending()

	terminal, err := l.MarkFailed("/v/x.avi", errors.New("encoder exploded"), 2)
	if err != nil || terminal {
		t.Fatalf("First failure should requeue, got terminal=%v err=%v", terminal, err)
	}
	if l.PendingCount() != 1 {
		t.Error("Failed-but-retryable entry should be pending again")
	}

	l.NextPending()
	terminal, _ = l.MarkFailed("/v/x.avi", errors.New("again"), 2)
	if !terminal {
		t.Error("Retry cap reached, failure should be terminal")
	}
	if l.PendingCount() != 0 {
		t.Error("Terminal entry still pending")
	}
}

func TestRestoreRequeuesInProgress(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "movie.avi")
	os.WriteFile(src, []byte("frames"), 0644)

	l, _ := OpenLedger(dir, testLogger())
	l.Add(&Entry{InputPath: src})
	l.Add(&Entry{InputPath: filepath.Join(dir, "vanished.avi")})
	l.NextPending() // one of them goes in_progress
	l.NextPending() // and the other

	// Crash: reopen from disk
	l2, err := OpenLedger(dir, testLogger())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	requeued, failed := l2.Restore()
	if requeued != 1 {
		t.Errorf("Expected 1 requeued (source exists), got %d", requeued)
	}
	if failed != 1 {
		t.Errorf("Expected 1 failed (source missing), got %d", failed)
	}

	next := l2.NextPending()
	if next == nil || next.InputPath != src {
		t.Fatalf("Expected surviving source requeued, got %+v", next)
	}
	if next.ProgressPct != 0 {
		t.Error("From-scratch restart should reset progress")
	}
}

func TestProgressPersists(t *testing.T) {
	dir := t.TempDir()
	l, _ := OpenLedger(dir, testLogger())
	l.Add(&Entry{InputPath: "/v/x.avi"})
	l.NextPending()
	if err := l.UpdateProgress("/v/x.avi", 42); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	l2, _ := OpenLedger(dir, testLogger())
	entries := l2.Entries()
	if len(entries) != 1 || entries[0].ProgressPct != 42 {
		t.Errorf("Progress lost across reopen: %+v", entries)
	}
}

func TestCompletedSweptAfterTTL(t *testing.T) {
	dir := t.TempDir()
	l, _ := OpenLedger(dir, testLogger())
	l.Add(&Entry{InputPath: "/v/x.avi"})
	l.NextPending()
	l.MarkCompleted("/v/x.avi", "/v/x.conv.mp4")

	// Recent completion survives a restore
	l.Restore()
	if len(l.Entries()) != 1 {
		t.Fatal("Fresh completed entry swept too early")
	}

	// Age it past the TTL on disk, then restore again
	l.mu.Lock()
	l.entries["/v/x.avi"].UpdatedAt = time.Now().Add(-48 * time.Hour)
	l.persistLocked()
	l.mu.Unlock()

	l2, _ := OpenLedger(dir, testLogger())
	l2.Restore()
	if len(l2.Entries()) != 0 {
		t.Error("Stale completed entry not swept")
	}
}
