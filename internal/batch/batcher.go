// Package batch groups media yielded by archive expansion into fixed-size
// album dispatches. It is a streaming builder over the yielded sequence: per
// (archive, extraction root) at most two buffers are open, one per media
// kind, and neither ever holds the cap or more.
package batch

import (
	"fmt"
	"log/slog"
	"sync"

	"media-courier/internal/task"
)

// EmitFunc converts a closed group of pending individual upload tasks into
// one AlbumDispatch. Wired to the queue engine's journal rewrite.
type EmitFunc func(ids []int64, album *task.Task) error

// ReleaseFunc lets a single leftover task dispatch individually
type ReleaseFunc func(id int64)

type buffer struct {
	archive task.ArchiveCtx
	kind    task.MediaKind
	tasks   []*task.Task
}

type Batcher struct {
	logger  *slog.Logger
	cap     func() int
	emit    EmitFunc
	release ReleaseFunc

	mu         sync.Mutex
	buffers    map[string]*buffer
	emitted    map[string]int // (archive,root,kind) -> batches emitted so far
	discovered map[string]int // (archive,root,kind) -> media discovered so far
}

func NewBatcher(logger *slog.Logger, albumCap func() int, emit EmitFunc, release ReleaseFunc) *Batcher {
	return &Batcher{
		logger:     logger,
		cap:        albumCap,
		emit:       emit,
		release:    release,
		buffers:    make(map[string]*buffer),
		emitted:    make(map[string]int),
		discovered: make(map[string]int),
	}
}

// SetDiscovered updates the running estimate of how many media items of this
// kind the archive holds, which feeds the Batch i/N caption.
func (b *Batcher) SetDiscovered(archive task.ArchiveCtx, kind task.MediaKind, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := groupKey(archive, kind)
	if n > b.discovered[key] {
		b.discovered[key] = n
	}
}

// Add buffers one already-persisted individual upload task. When the buffer
// reaches the album cap it is emitted as a batch. The task must be enqueued
// (and held) before Add so no item is ever tracked by memory alone.
func (b *Batcher) Add(t *task.Task) error {
	if t.Archive == nil || !task.IsMedia(t.Kind) {
		return fmt.Errorf("task %s is not album material", t.String())
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := groupKey(*t.Archive, t.Kind)
	buf, ok := b.buffers[key]
	if !ok {
		buf = &buffer{archive: *t.Archive, kind: t.Kind}
		b.buffers[key] = buf
	}
	buf.tasks = append(buf.tasks, t)

	if len(buf.tasks) >= b.cap() {
		return b.emitLocked(key, buf)
	}
	return nil
}

// FlushArchive closes all buffers of one archive at end-of-stream. Remaining
// groups of two or more become trailing batches; a lone leftover dispatches
// individually.
func (b *Batcher) FlushArchive(archive task.ArchiveCtx) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, kind := range []task.MediaKind{task.KindImage, task.KindVideo} {
		key := groupKey(archive, kind)
		buf, ok := b.buffers[key]
		if !ok || len(buf.tasks) == 0 {
			continue
		}
		if len(buf.tasks) == 1 {
			if b.release != nil {
				b.release(buf.tasks[0].ID)
			}
			delete(b.buffers, key)
			continue
		}
		if err := b.emitLocked(key, buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// emitLocked turns the buffer's contents into an AlbumDispatch and clears it
func (b *Batcher) emitLocked(key string, buf *buffer) error {
	index := b.emitted[key] + 1
	total := b.totalEstimateLocked(key)
	if total < index {
		total = index
	}

	album := &task.Task{
		Type:       task.TypeAlbumDispatch,
		Archive:    &buf.archive,
		Kind:       buf.kind,
		BatchIndex: index,
		BatchTotal: total,
		Caption:    Caption(buf.archive.ArchiveName, buf.kind, index, total, len(buf.tasks)),
	}
	var ids []int64
	for _, t := range buf.tasks {
		album.Files = append(album.Files, t.Path)
		album.CleanupRefs = append(album.CleanupRefs, t.CleanupRefs...)
		ids = append(ids, t.ID)
	}

	if err := b.emit(ids, album); err != nil {
		return fmt.Errorf("failed to emit album for %s: %w", buf.archive.ArchiveName, err)
	}
	b.emitted[key] = index
	buf.tasks = nil
	b.logger.Info("album batch emitted",
		"archive", buf.archive.ArchiveName, "kind", string(buf.kind),
		"batch", index, "of", total, "files", len(album.Files))
	return nil
}

// totalEstimateLocked derives the Batch i/N denominator from the discovery
// estimate, falling back to batches emitted so far.
func (b *Batcher) totalEstimateLocked(key string) int {
	cap := b.cap()
	if n := b.discovered[key]; n > 0 {
		return (n + cap - 1) / cap
	}
	return b.emitted[key]
}

// Open reports how many items currently sit in open buffers, for status
func (b *Batcher) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, buf := range b.buffers {
		n += len(buf.tasks)
	}
	return n
}

func groupKey(archive task.ArchiveCtx, kind task.MediaKind) string {
	return archive.ArchiveName + "\x00" + archive.ExtractionRoot + "\x00" + string(kind)
}

// Caption renders the album caption label
func Caption(archiveName string, kind task.MediaKind, index, total, count int) string {
	label := "Images"
	if kind == task.KindVideo {
		label = "Videos"
	}
	return fmt.Sprintf("%s – %s (Batch %d/%d: %d files)", archiveName, label, index, total, count)
}
