// Package task defines the persisted unit of work flowing through the staged
// queues. A Task is a tagged variant: Type is the discriminant and only the
// field subset for that discriminant is populated.
package task

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Type string

const (
	TypeDownload        Type = "download"
	TypeExtract         Type = "extract"
	TypeExpandEntry     Type = "expand_entry"
	TypeNormalize       Type = "normalize"
	TypeDeferredConvert Type = "deferred_convert"
	TypeAlbumDispatch   Type = "album_dispatch"
	TypeDirectUpload    Type = "direct_upload"
	TypeWebdavCrawl     Type = "webdav_crawl"
	TypeWebdavFile      Type = "webdav_file"
)

// Known reports whether t is a discriminant this build understands. Unknown
// discriminants read back from a journal are skipped, not failed.
func (t Type) Known() bool {
	switch t {
	case TypeDownload, TypeExtract, TypeExpandEntry, TypeNormalize,
		TypeDeferredConvert, TypeAlbumDispatch, TypeDirectUpload,
		TypeWebdavCrawl, TypeWebdavFile:
		return true
	}
	return false
}

type MediaKind string

const (
	KindImage    MediaKind = "image"
	KindVideo    MediaKind = "video"
	KindDocument MediaKind = "document"
	KindArchive  MediaKind = "archive"
	KindTextLink MediaKind = "text-link"
)

// SourceRef points back at the originating inbound message. It is nil on
// tasks restored after a crash; replies must stay best-effort in that case.
type SourceRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

// ArchiveCtx ties a task to the archive it was expanded from
type ArchiveCtx struct {
	ArchiveName    string `json:"archive_name"`
	ExtractionRoot string `json:"extraction_root"`
	ManifestID     string `json:"manifest_id"`
}

type Task struct {
	ID             int64       `json:"id"`
	Type           Type        `json:"type"`
	SourceRef      *SourceRef  `json:"source_ref,omitempty"`
	Archive        *ArchiveCtx `json:"archive_ctx,omitempty"`
	Kind           MediaKind   `json:"kind,omitempty"`
	RetryCount     int         `json:"retry_count,omitempty"`
	NextAttemptAt  time.Time   `json:"next_attempt_at,omitempty"`
	LastErrorClass string      `json:"last_error_class,omitempty"`
	CleanupRefs    []string    `json:"cleanup_refs,omitempty"`

	// Download / WebdavFile
	URL      string `json:"url,omitempty"`
	FileRef  string `json:"file_ref,omitempty"` // runtime-held attachment id
	AuthUser string `json:"auth_user,omitempty"`
	AuthPass string `json:"auth_pass,omitempty"`
	Dest     string `json:"dest,omitempty"`

	// Extract / ExpandEntry
	ArchivePath string `json:"archive_path,omitempty"`
	EntryIndex  int    `json:"entry_index,omitempty"`
	EntryName   string `json:"entry_name,omitempty"`

	// Normalize / DirectUpload / DeferredConvert
	Path string `json:"path,omitempty"`

	// AlbumDispatch
	Files      []string `json:"files,omitempty"`
	Caption    string   `json:"caption,omitempty"`
	BatchIndex int      `json:"batch_index,omitempty"`
	BatchTotal int      `json:"batch_total,omitempty"`

	// Display / attributes
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Thumb    string `json:"thumb,omitempty"`
}

// HoldTime marks a task parked by the album batcher: persisted and durable,
// but never dispatched until the batch it belongs to closes.
var HoldTime = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Ready reports whether the task's retry delay has elapsed
func (t *Task) Ready(now time.Time) bool {
	return !t.NextAttemptAt.After(now)
}

// Held reports whether the task is parked awaiting batch grouping
func (t *Task) Held() bool {
	return t.NextAttemptAt.Equal(HoldTime)
}

// GroupKey identifies the album grouping bucket for an extracted media item.
// Empty for tasks outside an archive or of non-album kinds.
func (t *Task) GroupKey() string {
	if t.Archive == nil {
		return ""
	}
	if t.Kind != KindImage && t.Kind != KindVideo {
		return ""
	}
	return t.Archive.ArchiveName + "\x00" + t.Archive.ExtractionRoot + "\x00" + string(t.Kind)
}

func (t *Task) String() string {
	return fmt.Sprintf("%s#%d", t.Type, t.ID)
}

// Marshal encodes the task for the journal
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Unmarshal decodes a journal record, filling conservative defaults for
// fields missing from records written by older builds.
func Unmarshal(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Kind == "" {
		t.Kind = KindOfFile(t.Name)
	}
	return &t, nil
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".heic": true, ".tiff": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
	".wmv": true, ".flv": true, ".webm": true, ".ts": true,
	".m4v": true, ".mpg": true, ".mpeg": true, ".3gp": true,
}

var archiveExts = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".tar": true,
	".gz": true, ".tgz": true, ".xz": true, ".zst": true,
}

// KindOfFile derives the media kind from the filename extension
func KindOfFile(name string) MediaKind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExts[ext]:
		return KindImage
	case videoExts[ext]:
		return KindVideo
	case archiveExts[ext]:
		return KindArchive
	default:
		return KindDocument
	}
}

// IsMedia reports whether the kind participates in album batching
func IsMedia(k MediaKind) bool {
	return k == KindImage || k == KindVideo
}
