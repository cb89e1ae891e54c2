package storage

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *Storage {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	err = db.AutoMigrate(
		&TransferRecord{},
		&QuarantineRecord{},
		&DailyStat{},
		&AppSetting{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return &Storage{DB: db}
}

func TestSettingsKV(t *testing.T) {
	s := setupTestDB(t)

	if _, err := s.GetString("missing"); err == nil {
		t.Error("Missing key should error")
	}

	if err := s.SetString("album_size_cap", "8"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	val, err := s.GetString("album_size_cap")
	if err != nil || val != "8" {
		t.Errorf("Expected 8, got %q (%v)", val, err)
	}

	// Overwrite
	s.SetString("album_size_cap", "10")
	val, _ = s.GetString("album_size_cap")
	if val != "10" {
		t.Errorf("Expected overwrite to 10, got %q", val)
	}
}

func TestTransferHistoryDedup(t *testing.T) {
	s := setupTestDB(t)

	err := s.SaveTransfer(TransferRecord{
		Name: "a.jpg", Size: 100, Fingerprint: "f1", Kind: "image", Status: "completed",
	})
	if err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}
	s.SaveTransfer(TransferRecord{
		Name: "b.jpg", Size: 200, Fingerprint: "f2", Kind: "image", Status: "failed",
	})

	dup, err := s.HasCompletedTransfer("a.jpg", 100)
	if err != nil || !dup {
		t.Errorf("Expected (a.jpg, 100) completed, got %v (%v)", dup, err)
	}
	if dup, _ := s.HasCompletedTransfer("a.jpg", 101); dup {
		t.Error("Size must match exactly")
	}
	if dup, _ := s.HasCompletedTransfer("b.jpg", 200); dup {
		t.Error("Failed transfers do not count as completed")
	}

	recs, err := s.RecentTransfers(10)
	if err != nil || len(recs) != 2 {
		t.Errorf("Expected 2 history rows, got %d (%v)", len(recs), err)
	}
}

func TestQuarantineIndex(t *testing.T) {
	s := setupTestDB(t)

	err := s.SaveQuarantine(QuarantineRecord{
		TaskID: 42, TaskType: "album_dispatch", ErrorClass: "PERMANENT",
		LastError: "gave up", Paths: `["/q/42_a.jpg"]`,
	})
	if err != nil {
		t.Fatalf("SaveQuarantine failed: %v", err)
	}

	recs, err := s.ListQuarantine()
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected 1 quarantine row, got %d (%v)", len(recs), err)
	}
	if recs[0].TaskID != 42 || recs[0].ErrorClass != "PERMANENT" {
		t.Errorf("Quarantine row mangled: %+v", recs[0])
	}
	if recs[0].CreatedAt == "" {
		t.Error("CreatedAt not stamped")
	}
}

func TestDailyStats(t *testing.T) {
	s := setupTestDB(t)

	s.IncrementDailyBytesIn(100)
	s.IncrementDailyBytesIn(50)
	s.IncrementDailyBytesOut(30)
	s.IncrementDailyFiles(2)

	stats, err := s.GetDailyStats(7)
	if err != nil || len(stats) != 1 {
		t.Fatalf("Expected 1 day of stats, got %d (%v)", len(stats), err)
	}
	if stats[0].BytesIn != 150 {
		t.Errorf("Expected 150 bytes in, got %d", stats[0].BytesIn)
	}
	if stats[0].BytesOut != 30 {
		t.Errorf("Expected 30 bytes out, got %d", stats[0].BytesOut)
	}
	if stats[0].FilesUploaded != 2 {
		t.Errorf("Expected 2 files, got %d", stats[0].FilesUploaded)
	}
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.SetString("k", "v"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	// The database file must exist under the base dir
	matches, _ := filepath.Glob(filepath.Join(dir, "courier.db*"))
	if len(matches) == 0 {
		t.Error("Database file not created")
	}
}
