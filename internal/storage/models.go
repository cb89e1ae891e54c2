package storage

// TransferRecord is one finished ingestion, kept for history and duplicate
// short-circuiting by (name, exact size) before any payload is hashed.
type TransferRecord struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"index:idx_name_size" json:"name"`
	Size        int64  `gorm:"index:idx_name_size" json:"size"`
	Fingerprint string `gorm:"index" json:"fingerprint"`
	Kind        string `json:"kind"` // image, video, document, archive
	Source      string `json:"source"`
	Status      string `gorm:"index" json:"status"` // completed, failed
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func (TransferRecord) TableName() string {
	return "transfer_records"
}

// QuarantineRecord indexes a permanently failed task whose inputs were moved
// under the quarantine root for operator review.
type QuarantineRecord struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TaskID     int64  `gorm:"index" json:"task_id"`
	TaskType   string `json:"task_type"`
	ErrorClass string `json:"error_class"`
	LastError  string `json:"last_error"`
	Paths      string `json:"paths"` // JSON list of preserved inputs
	CreatedAt  string `json:"created_at"`
}

func (QuarantineRecord) TableName() string {
	return "quarantine_records"
}

// DailyStat tracks per-day ingestion volume for the status API
type DailyStat struct {
	Date          string `gorm:"primaryKey"` // "YYYY-MM-DD"
	BytesIn       int64  `gorm:"default:0"`
	BytesOut      int64  `gorm:"default:0"`
	FilesUploaded int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string {
	return "daily_stats"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string {
	return "app_settings"
}
