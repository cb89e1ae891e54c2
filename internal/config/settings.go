package config

import (
	"log/slog"
	"strconv"
	"time"

	"media-courier/internal/storage"
)

// Keys for AppSettings in DB
const (
	KeyMaxArchiveSize      = "max_archive_size"
	KeyFreeSpaceFloor      = "free_space_floor"
	KeyDownloadConcurrency = "stage_concurrency.download"
	KeyUploadConcurrency   = "stage_concurrency.upload"
	KeyAlbumSizeCap        = "album_size_cap"
	KeyFetchChunkSize      = "fetch.chunk_size"
	KeyFetchInactivity     = "fetch.inactivity_timeout"
	KeyRetryMaxAttempts    = "retry.max_attempts"
	KeyRetryBaseSeconds    = "retry.base_seconds"
	KeyTranscodeEnabled    = "transcode.enabled"
	KeyTranscodeTimeout    = "transcode.timeout"
	KeyConvMaxRetries      = "conversion.max_retries"
	KeyConvSaveInterval    = "conversion.state_save_interval"
	KeyWifiOnly            = "admission.wifi_only"
	KeySnapshotInterval    = "snapshot_interval"
	KeyProgressMinInterval = "progress.min_interval"
	KeyProgressMinStep     = "progress.min_step"
	KeyAPIPort             = "api.port"
	KeyAPIEnabled          = "api.enabled"
	KeyUploadTarget        = "upload.target"
	KeyBotToken            = "bot.token"
	KeyDownloadDir         = "download.dir"
)

// PlatformAlbumCap is the hard upper bound on items per outbound album.
// album_size_cap above this is clamped, not honored.
const PlatformAlbumCap = 10

type Manager struct {
	storage *storage.Storage
	logger  *slog.Logger
}

func NewManager(s *storage.Storage, logger *slog.Logger) *Manager {
	return &Manager{storage: s, logger: logger}
}

func (c *Manager) getInt(key string, def int) int {
	valStr, err := c.storage.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return def
	}
	return val
}

func (c *Manager) getInt64(key string, def int64) int64 {
	valStr, err := c.storage.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.ParseInt(valStr, 10, 64)
	if err != nil {
		return def
	}
	return val
}

func (c *Manager) getBool(key string, def bool) bool {
	val, err := c.storage.GetString(key)
	if err != nil || val == "" {
		return def
	}
	return val == "true"
}

func (c *Manager) setInt(key string, v int) error {
	return c.storage.SetString(key, strconv.Itoa(v))
}

func (c *Manager) setBool(key string, v bool) error {
	if v {
		return c.storage.SetString(key, "true")
	}
	return c.storage.SetString(key, "false")
}

// MaxArchiveSize is the intake rejection threshold for archives (bytes)
func (c *Manager) MaxArchiveSize() int64 {
	return c.getInt64(KeyMaxArchiveSize, 2<<30)
}

// FreeSpaceFloor pauses archive extraction below this much free disk.
// Downloads do not check it.
func (c *Manager) FreeSpaceFloor() int64 {
	return c.getInt64(KeyFreeSpaceFloor, 500<<20)
}

func (c *Manager) DownloadConcurrency() int {
	n := c.getInt(KeyDownloadConcurrency, 1)
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Manager) UploadConcurrency() int {
	n := c.getInt(KeyUploadConcurrency, 1)
	if n < 1 {
		n = 1
	}
	return n
}

// AlbumSizeCap is clamped to the platform cap; every read that clamps logs
// the configured excess.
func (c *Manager) AlbumSizeCap() int {
	n := c.getInt(KeyAlbumSizeCap, PlatformAlbumCap)
	if n < 1 {
		n = 1
	}
	if n > PlatformAlbumCap {
		if c.logger != nil {
			c.logger.Warn("album_size_cap above platform cap, clamping", "configured", n, "cap", PlatformAlbumCap)
		}
		n = PlatformAlbumCap
	}
	return n
}

func (c *Manager) FetchChunkSize() int {
	n := c.getInt(KeyFetchChunkSize, 256*1024)
	if n < 4096 {
		n = 4096
	}
	return n
}

func (c *Manager) FetchInactivityTimeout() time.Duration {
	return time.Duration(c.getInt(KeyFetchInactivity, 120)) * time.Second
}

func (c *Manager) RetryMaxAttempts() int {
	return c.getInt(KeyRetryMaxAttempts, 5)
}

func (c *Manager) RetryBaseSeconds() int {
	return c.getInt(KeyRetryBaseSeconds, 5)
}

func (c *Manager) TranscodeEnabled() bool {
	return c.getBool(KeyTranscodeEnabled, true)
}

func (c *Manager) SetTranscodeEnabled(v bool) error {
	return c.setBool(KeyTranscodeEnabled, v)
}

func (c *Manager) TranscodeTimeout() time.Duration {
	return time.Duration(c.getInt(KeyTranscodeTimeout, 1800)) * time.Second
}

func (c *Manager) ConversionMaxRetries() int {
	return c.getInt(KeyConvMaxRetries, 3)
}

func (c *Manager) ConversionSaveInterval() time.Duration {
	return time.Duration(c.getInt(KeyConvSaveInterval, 10)) * time.Second
}

func (c *Manager) WifiOnly() bool {
	return c.getBool(KeyWifiOnly, false)
}

func (c *Manager) SetWifiOnly(v bool) error {
	return c.setBool(KeyWifiOnly, v)
}

func (c *Manager) SnapshotInterval() time.Duration {
	return time.Duration(c.getInt(KeySnapshotInterval, 60)) * time.Second
}

// ProgressMinInterval is the floor between two progress heartbeats per task
func (c *Manager) ProgressMinInterval() time.Duration {
	return time.Duration(c.getInt(KeyProgressMinInterval, 3)) * time.Second
}

// ProgressMinStep is the minimum whole-percent change between heartbeats
func (c *Manager) ProgressMinStep() int {
	return c.getInt(KeyProgressMinStep, 5)
}

func (c *Manager) APIPort() int {
	return c.getInt(KeyAPIPort, 4460)
}

func (c *Manager) SetAPIPort(port int) error {
	return c.setInt(KeyAPIPort, port)
}

func (c *Manager) APIEnabled() bool {
	return c.getBool(KeyAPIEnabled, true)
}

// UploadTarget is the single authorized recipient handle
func (c *Manager) UploadTarget() string {
	val, _ := c.storage.GetString(KeyUploadTarget)
	return val
}

func (c *Manager) SetUploadTarget(handle string) error {
	return c.storage.SetString(KeyUploadTarget, handle)
}

func (c *Manager) BotToken() string {
	val, _ := c.storage.GetString(KeyBotToken)
	return val
}

func (c *Manager) DownloadDir() string {
	val, _ := c.storage.GetString(KeyDownloadDir)
	return val
}

func (c *Manager) SetDownloadDir(dir string) error {
	return c.storage.SetString(KeyDownloadDir, dir)
}
