package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Storage struct {
	DB *gorm.DB
}

// Open initializes the SQLite store under baseDir. A long busy timeout keeps
// restarts from failing while a previous instance is still flushing.
func Open(baseDir string) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(baseDir, "courier.db")

	db, err := gorm.Open(sqlite.Open(dbPath+"?_pragma=busy_timeout(30000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(
		&TransferRecord{},
		&QuarantineRecord{},
		&DailyStat{},
		&AppSetting{},
	); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &Storage{DB: db}, nil
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint so journal contents hit the main file
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// --- Settings KV ---

func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	if err := s.DB.First(&setting, "key = ?", key).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Storage) SetString(key, value string) error {
	setting := AppSetting{Key: key, Value: value}
	return s.DB.Save(&setting).Error
}

// --- Transfer history ---

func (s *Storage) SaveTransfer(rec TransferRecord) error {
	rec.UpdatedAt = time.Now().Format(time.RFC3339)
	if rec.CreatedAt == "" {
		rec.CreatedAt = rec.UpdatedAt
	}
	return s.DB.Save(&rec).Error
}

// HasCompletedTransfer reports whether a payload with this exact name and size
// already went through successfully. Used by intake as the cheap pre-hash
// duplicate check.
func (s *Storage) HasCompletedTransfer(name string, size int64) (bool, error) {
	var count int64
	err := s.DB.Model(&TransferRecord{}).
		Where("name = ? AND size = ? AND status = ?", name, size, "completed").
		Count(&count).Error
	return count > 0, err
}

func (s *Storage) RecentTransfers(limit int) ([]TransferRecord, error) {
	var recs []TransferRecord
	err := s.DB.Order("id desc").Limit(limit).Find(&recs).Error
	return recs, err
}

// --- Quarantine index ---

func (s *Storage) SaveQuarantine(rec QuarantineRecord) error {
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return s.DB.Create(&rec).Error
}

func (s *Storage) ListQuarantine() ([]QuarantineRecord, error) {
	var recs []QuarantineRecord
	err := s.DB.Order("id desc").Find(&recs).Error
	return recs, err
}

// --- Daily statistics ---

func (s *Storage) IncrementDailyBytesIn(n int64) error {
	return s.incrementDaily("bytes_in", n)
}

func (s *Storage) IncrementDailyBytesOut(n int64) error {
	return s.incrementDaily("bytes_out", n)
}

func (s *Storage) IncrementDailyFiles(n int64) error {
	return s.incrementDaily("files_uploaded", n)
}

func (s *Storage) incrementDaily(column string, n int64) error {
	today := time.Now().Format("2006-01-02")
	res := s.DB.Model(&DailyStat{}).Where("date = ?", today).
		UpdateColumn(column, gorm.Expr(column+" + ?", n))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		stat := DailyStat{Date: today}
		switch column {
		case "bytes_in":
			stat.BytesIn = n
		case "bytes_out":
			stat.BytesOut = n
		case "files_uploaded":
			stat.FilesUploaded = n
		}
		return s.DB.Create(&stat).Error
	}
	return nil
}

func (s *Storage) GetDailyStats(days int) ([]DailyStat, error) {
	var stats []DailyStat
	err := s.DB.Order("date desc").Limit(days).Find(&stats).Error
	return stats, err
}
