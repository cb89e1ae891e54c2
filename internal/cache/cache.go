// Package cache is the insertion-only content-hash set that makes re-ingested
// payloads idempotent. Entries append to state/cache.json as JSON lines; a
// reload logs and skips lines that fail to parse, and logs and starts empty
// when the file itself cannot be read through.
package cache

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	ByteSize    int64     `json:"byte_size"`
	FirstSeen   time.Time `json:"first_seen"`
	Status      string    `json:"status"`
}

type Cache struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	f       *os.File
}

func Open(dir string, logger *slog.Logger) (*Cache, error) {
	path := filepath.Join(dir, "state", "cache.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	c := &Cache{
		path:    path,
		logger:  logger,
		entries: make(map[string]Entry),
	}
	c.load()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	c.f = f
	return c, nil
}

func (c *Cache) load() {
	f, err := os.Open(c.path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	bad := 0
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			bad++
			continue
		}
		c.entries[e.Fingerprint] = e
	}
	if bad > 0 {
		c.logger.Warn("content cache had unreadable lines, skipped", "path", c.path, "lines", bad)
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn("content cache load failed, starting empty", "path", c.path, "error", err)
		c.entries = make(map[string]Entry)
	}
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}

// Has reports whether a fingerprint was already processed end-to-end
func (c *Cache) Has(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[fingerprint]
	return ok
}

// Add records a completed payload. Idempotent; duplicates are not re-appended.
func (c *Cache) Add(fingerprint string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[fingerprint]; ok {
		return nil
	}
	e := Entry{
		Fingerprint: fingerprint,
		ByteSize:    size,
		FirstSeen:   time.Now(),
		Status:      "completed",
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := c.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append cache entry: %w", err)
	}
	if err := c.f.Sync(); err != nil {
		return err
	}
	c.entries[fingerprint] = e
	return nil
}

// Len returns the number of cached fingerprints
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fingerprint computes the streaming SHA-256 of a file
func Fingerprint(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 1024*1024)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", 0, fmt.Errorf("hashing failed: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
