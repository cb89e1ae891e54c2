package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	release, err := AcquireLock(dir, testLogger())
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "lock.pid"))
	if err != nil {
		t.Fatalf("Lock file missing: %v", err)
	}
	if pid, _ := strconv.Atoi(string(data)); pid != os.Getpid() {
		t.Errorf("Lock holds pid %s, expected %d", data, os.Getpid())
	}

	release()
	if _, err := os.Stat(filepath.Join(dir, "lock.pid")); !os.IsNotExist(err) {
		t.Error("Release did not remove the lock file")
	}
}

func TestReclaimDeadOwner(t *testing.T) {
	dir := t.TempDir()
	// A pid that cannot be alive
	os.WriteFile(filepath.Join(dir, "lock.pid"), []byte("999999999"), 0644)

	release, err := AcquireLock(dir, testLogger())
	if err != nil {
		t.Fatalf("Expected reclaim of dead owner, got %v", err)
	}
	release()
}

func TestLiveOwnerRejected(t *testing.T) {
	dir := t.TempDir()
	// Pid 1 is always alive on a unix host, and is never us
	os.WriteFile(filepath.Join(dir, "lock.pid"), []byte("1"), 0644)

	_, err := AcquireLock(dir, testLogger())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestOwnLockReacquired(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "lock.pid"), []byte(strconv.Itoa(os.Getpid())), 0644)

	release, err := AcquireLock(dir, testLogger())
	if err != nil {
		t.Fatalf("Reacquiring our own lock should succeed: %v", err)
	}
	release()
}
