package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"media-courier/internal/failure"
	"media-courier/internal/storage"
	"media-courier/internal/task"
)

// Quarantine preserves the inputs of permanently failed tasks for operator
// review and keeps an index of what landed there and why.
type Quarantine struct {
	dir       string
	indexPath string
	logger    *slog.Logger
	store     *storage.Storage

	mu      sync.Mutex
	entries []QuarantineEntry
}

type QuarantineEntry struct {
	TaskID     int64     `json:"task_id"`
	TaskType   string    `json:"task_type"`
	ErrorClass string    `json:"error_class"`
	LastError  string    `json:"last_error"`
	Paths      []string  `json:"paths"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewQuarantine(dir string, logger *slog.Logger, store *storage.Storage) (*Quarantine, error) {
	qdir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(qdir, 0755); err != nil {
		return nil, err
	}
	q := &Quarantine{
		dir:       qdir,
		indexPath: filepath.Join(dir, "state", "failed.json"),
		logger:    logger,
		store:     store,
	}
	if err := os.MkdirAll(filepath.Dir(q.indexPath), 0755); err != nil {
		return nil, err
	}
	q.load()
	return q, nil
}

// load reads the index back; a corrupt index is logged and abandoned
func (q *Quarantine) load() {
	data, err := os.ReadFile(q.indexPath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &q.entries); err != nil {
		q.logger.Warn("quarantine index unreadable, starting empty", "path", q.indexPath, "error", err)
		q.entries = nil
	}
}

// Add moves the task's input files under the quarantine root and records the
// terminal classification.
func (q *Quarantine) Add(t *task.Task, class failure.Class, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []string
	for _, p := range inputPaths(t) {
		if p == "" {
			continue
		}
		dest := filepath.Join(q.dir, fmt.Sprintf("%d_%s", t.ID, filepath.Base(p)))
		if err := os.Rename(p, dest); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			q.logger.Warn("failed to move input to quarantine", "path", p, "error", err)
			kept = append(kept, p)
			continue
		}
		kept = append(kept, dest)
	}

	entry := QuarantineEntry{
		TaskID:     t.ID,
		TaskType:   string(t.Type),
		ErrorClass: string(class),
		Paths:      kept,
		CreatedAt:  time.Now(),
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	q.entries = append(q.entries, entry)

	if err := q.persistLocked(); err != nil {
		return err
	}

	if q.store != nil {
		paths, _ := json.Marshal(kept)
		rec := storage.QuarantineRecord{
			TaskID:     t.ID,
			TaskType:   string(t.Type),
			ErrorClass: string(class),
			LastError:  entry.LastError,
			Paths:      string(paths),
		}
		if err := q.store.SaveQuarantine(rec); err != nil {
			q.logger.Warn("failed to index quarantine record", "task", t.String(), "error", err)
		}
	}
	return nil
}

func (q *Quarantine) persistLocked() error {
	data, err := json.MarshalIndent(q.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, q.indexPath)
}

// Entries returns a copy of the quarantine index
func (q *Quarantine) Entries() []QuarantineEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QuarantineEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// inputPaths collects the on-disk inputs a task would have consumed
func inputPaths(t *task.Task) []string {
	var paths []string
	if t.Path != "" {
		paths = append(paths, t.Path)
	}
	if t.ArchivePath != "" {
		paths = append(paths, t.ArchivePath)
	}
	if t.Dest != "" {
		paths = append(paths, t.Dest, t.Dest+".part")
	}
	paths = append(paths, t.Files...)
	return paths
}
