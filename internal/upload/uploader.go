// Package upload dispatches albums and single files to the outbound
// messenger, recovering from oversize photos by re-encoding, from invalid
// media by splitting the batch and deferring the offenders, and from flood
// waits by honoring the exact server-reported delay.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"media-courier/internal/batch"
	"media-courier/internal/cache"
	"media-courier/internal/cleanup"
	"media-courier/internal/convert"
	"media-courier/internal/failure"
	"media-courier/internal/media"
	"media-courier/internal/messenger"
	"media-courier/internal/storage"
	"media-courier/internal/task"
)

// photoByteLimit is the outbound platform's photo payload cap
const photoByteLimit = 10 << 20

type Uploader struct {
	logger     *slog.Logger
	msgr       messenger.Messenger
	registry   *cleanup.Registry
	cache      *cache.Cache
	store      *storage.Storage
	normalizer *media.Normalizer
	ledger     *convert.Ledger

	target    func(ctx context.Context) (messenger.Target, error)
	newTaskID func() int64
	onAuth    func(err error)

	// Spaces out album and single sends for flood control; status and
	// heartbeat messages are paced by the notifier's own limiter
	pace *rate.Limiter
}

func New(
	logger *slog.Logger,
	msgr messenger.Messenger,
	registry *cleanup.Registry,
	contentCache *cache.Cache,
	store *storage.Storage,
	normalizer *media.Normalizer,
	ledger *convert.Ledger,
	target func(ctx context.Context) (messenger.Target, error),
	newTaskID func() int64,
	onAuth func(err error),
) *Uploader {
	return &Uploader{
		logger:     logger,
		msgr:       msgr,
		registry:   registry,
		cache:      contentCache,
		store:      store,
		normalizer: normalizer,
		ledger:     ledger,
		target:     target,
		newTaskID:  newTaskID,
		onAuth:     onAuth,
		pace:       rate.NewLimiter(rate.Every(3*time.Second), 1),
	}
}

// Handle executes one upload-stage task
func (u *Uploader) Handle(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	switch t.Type {
	case task.TypeAlbumDispatch:
		return u.handleAlbum(ctx, t)
	case task.TypeDirectUpload:
		return u.handleSingle(ctx, t)
	}
	return nil, failure.New(failure.ClassPermanent, fmt.Errorf("uploader cannot handle %s", t.Type))
}

func (u *Uploader) handleAlbum(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	items := u.albumItems(ctx, t)
	if len(items) == 0 {
		u.logger.Warn("album has no remaining files, dropping", "task", t.String())
		u.finishNoSend(t)
		return nil, nil
	}

	tgt, err := u.target(ctx)
	if err != nil {
		return nil, u.authAware(err)
	}
	if err := u.pace.Wait(ctx); err != nil {
		return nil, failure.New(failure.ClassCanceled, err)
	}

	err = u.msgr.SendAlbum(ctx, tgt, items, t.Caption)
	if err == nil {
		u.finishSuccess(t, items)
		return nil, nil
	}

	switch failure.ClassOf(err) {
	case failure.ClassPhotoTooLarge:
		if serr := u.substituteOversize(t, items); serr != nil {
			return nil, failure.New(failure.ClassPermanent, serr)
		}
		return nil, err // immediate retry with the substitutes in place

	case failure.ClassMediaInvalid:
		return u.splitInvalid(ctx, t, items)

	default:
		return nil, u.authAware(err)
	}
}

func (u *Uploader) handleSingle(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	if _, err := os.Stat(t.Path); err != nil {
		u.logger.Warn("upload source vanished, dropping", "task", t.String(), "path", t.Path)
		u.finishNoSend(t)
		return nil, nil
	}

	item := u.itemFor(ctx, t.Path, t.Kind, t)
	tgt, err := u.target(ctx)
	if err != nil {
		return nil, u.authAware(err)
	}
	if err := u.pace.Wait(ctx); err != nil {
		return nil, failure.New(failure.ClassCanceled, err)
	}

	err = u.msgr.SendMedia(ctx, tgt, item, t.Caption)
	if err == nil {
		u.finishSuccess(t, []messenger.Item{item})
		return nil, nil
	}

	switch failure.ClassOf(err) {
	case failure.ClassPhotoTooLarge:
		if t.Kind != task.KindImage {
			return nil, u.authAware(err)
		}
		sub, serr := media.ShrinkImage(t.Path, photoByteLimit)
		if serr != nil {
			return nil, failure.New(failure.ClassPermanent, serr)
		}
		u.logger.Info("oversize image re-encoded", "original", t.Path, "substitute", sub)
		t.CleanupRefs = append(t.CleanupRefs, sub)
		t.Path = sub
		return nil, err

	case failure.ClassMediaInvalid:
		if t.Kind != task.KindVideo {
			return nil, failure.New(failure.ClassPermanent, err)
		}
		u.deferItem(t.Path, t)
		u.finishNoSend(t)
		return nil, nil

	default:
		return nil, u.authAware(err)
	}
}

// albumItems builds the outbound item list, probing videos for attributes
// and skipping files that no longer exist.
func (u *Uploader) albumItems(ctx context.Context, t *task.Task) []messenger.Item {
	var items []messenger.Item
	for _, f := range t.Files {
		if _, err := os.Stat(f); err != nil {
			u.logger.Warn("album file missing, skipping", "path", f)
			continue
		}
		items = append(items, u.itemFor(ctx, f, t.Kind, t))
	}
	return items
}

func (u *Uploader) itemFor(ctx context.Context, path string, kind task.MediaKind, t *task.Task) messenger.Item {
	item := messenger.Item{
		Path:     path,
		Kind:     kind,
		Filename: filepath.Base(path),
	}
	if fi, err := os.Stat(path); err == nil {
		item.Size = fi.Size()
	}
	if kind != task.KindVideo {
		return item
	}

	// Prefer attributes already carried by the task (set at normalization)
	if t.Path == path && (t.Width > 0 || t.Duration > 0) {
		item.Width, item.Height, item.Duration, item.Thumb = t.Width, t.Height, t.Duration, t.Thumb
		return item
	}
	if info, err := u.normalizer.Probe(ctx, path); err == nil {
		item.Width = info.Width
		item.Height = info.Height
		item.Duration = int(info.Duration)
	}
	if thumb, err := u.normalizer.MakeThumbnail(ctx, path); err == nil {
		item.Thumb = thumb
	}
	return item
}

// substituteOversize re-encodes every image in the batch that exceeds the
// platform limit and swaps the substitutes into the task for the retry.
func (u *Uploader) substituteOversize(t *task.Task, items []messenger.Item) error {
	replaced := 0
	for i, item := range items {
		if item.Kind != task.KindImage || item.Size <= photoByteLimit {
			continue
		}
		sub, err := media.ShrinkImage(item.Path, photoByteLimit)
		if err != nil {
			return fmt.Errorf("cannot shrink %s: %w", item.Path, err)
		}
		u.logger.Info("oversize image re-encoded", "original", item.Path, "substitute", sub)
		for fi, f := range t.Files {
			if f == item.Path {
				t.Files[fi] = sub
			}
		}
		t.CleanupRefs = append(t.CleanupRefs, sub)
		items[i].Path = sub
		replaced++
	}
	if replaced == 0 {
		return fmt.Errorf("platform rejected photo size but no image exceeds %d bytes", int64(photoByteLimit))
	}
	return nil
}

// splitInvalid partitions an album the platform refused: still-compatible
// items re-queue as fresh kind-separated albums, incompatible ones defer to
// the conversion ledger. The batch itself never fails.
func (u *Uploader) splitInvalid(ctx context.Context, t *task.Task, items []messenger.Item) ([]*task.Task, error) {
	var followups []*task.Task
	byKind := map[task.MediaKind][]messenger.Item{}

	for _, item := range items {
		if item.Kind == task.KindVideo {
			outcome, _, err := u.normalizer.Plan(ctx, item.Path)
			if err == nil && outcome != media.OutcomePassthrough {
				u.deferItem(item.Path, t)
				continue
			}
		}
		byKind[item.Kind] = append(byKind[item.Kind], item)
	}

	for kind, group := range byKind {
		if len(group) == 0 {
			continue
		}
		if len(group) == 1 {
			followups = append(followups, u.requeueSingle(group[0], kind, t))
			continue
		}
		album := &task.Task{
			ID:         u.newTaskID(),
			Type:       task.TypeAlbumDispatch,
			Archive:    t.Archive,
			Kind:       kind,
			BatchIndex: t.BatchIndex,
			BatchTotal: t.BatchTotal,
		}
		for _, item := range group {
			album.Files = append(album.Files, item.Path)
		}
		album.CleanupRefs = refsFor(t.CleanupRefs, album.Files)
		if t.Archive != nil {
			album.Caption = batch.Caption(t.Archive.ArchiveName, kind, t.BatchIndex, t.BatchTotal, len(group))
		}
		followups = append(followups, album)
	}

	u.logger.Info("album split after media rejection",
		"task", t.String(), "requeued", len(followups))

	// The original task completes; its refcount moves to the follow-ups
	if t.Archive != nil {
		for range followups {
			u.registry.Acquire(t.Archive.ExtractionRoot)
		}
		u.registry.Release(t.Archive.ExtractionRoot)
	}
	return followups, nil
}

func (u *Uploader) requeueSingle(item messenger.Item, kind task.MediaKind, parent *task.Task) *task.Task {
	return &task.Task{
		ID:          u.newTaskID(),
		Type:        task.TypeDirectUpload,
		Archive:     parent.Archive,
		Kind:        kind,
		Path:        item.Path,
		Name:        item.Filename,
		Width:       item.Width,
		Height:      item.Height,
		Duration:    item.Duration,
		Thumb:       item.Thumb,
		CleanupRefs: refsFor(parent.CleanupRefs, []string{item.Path}),
	}
}

// deferItem writes a pending conversion ledger entry for an incompatible item
func (u *Uploader) deferItem(path string, t *task.Task) {
	entry := &convert.Entry{
		InputPath:   path,
		CleanupRefs: refsFor(t.CleanupRefs, []string{path}),
	}
	if t.Archive != nil {
		entry.ArchiveName = t.Archive.ArchiveName
		entry.ExtractionRoot = t.Archive.ExtractionRoot
		entry.ManifestID = t.Archive.ManifestID
		// The ledger's eventual upload re-acquires; hold the root meanwhile
		u.registry.Acquire(t.Archive.ExtractionRoot)
	}
	if err := u.ledger.Add(entry); err != nil {
		u.logger.Error("failed to defer incompatible media", "path", path, "error", err)
		return
	}
	u.logger.Info("incompatible media deferred for conversion", "path", path)
}

// finishSuccess runs the terminal bookkeeping: fingerprint + cache insert per
// file, history records, cleanup ref deletion, registry release.
func (u *Uploader) finishSuccess(t *task.Task, items []messenger.Item) {
	for _, item := range items {
		fp, size, err := cache.Fingerprint(item.Path)
		if err != nil {
			u.logger.Warn("failed to fingerprint uploaded file", "path", item.Path, "error", err)
			continue
		}
		if err := u.cache.Add(fp, size); err != nil {
			u.logger.Warn("failed to record cache entry", "fingerprint", fp, "error", err)
		}
		if u.store != nil {
			rec := storage.TransferRecord{
				Name:        item.Filename,
				Size:        size,
				Fingerprint: fp,
				Kind:        string(item.Kind),
				Status:      "completed",
			}
			if t.Archive != nil {
				rec.Source = t.Archive.ArchiveName
			}
			if err := u.store.SaveTransfer(rec); err != nil {
				u.logger.Warn("failed to record transfer history", "name", item.Filename, "error", err)
			}
			u.store.IncrementDailyBytesOut(size)
			u.store.IncrementDailyFiles(1)
		}
	}
	u.deleteCleanupRefs(t)
	for _, item := range items {
		if item.Thumb != "" {
			os.Remove(item.Thumb)
		}
	}
	if t.Archive != nil {
		u.registry.Release(t.Archive.ExtractionRoot)
	}
	u.logger.Info("upload completed", "task", t.String(), "files", len(items))
}

// finishNoSend releases bookkeeping for a task that terminated without an
// outbound send (all files vanished, or everything deferred)
func (u *Uploader) finishNoSend(t *task.Task) {
	if t.Archive != nil {
		u.registry.Release(t.Archive.ExtractionRoot)
	}
}

func (u *Uploader) deleteCleanupRefs(t *task.Task) {
	seen := map[string]bool{}
	for _, p := range t.CleanupRefs {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			u.logger.Warn("failed to delete cleanup ref", "path", p, "error", err)
		}
	}
}

// authAware routes AUTH failures through the pause hook before returning
func (u *Uploader) authAware(err error) error {
	if failure.ClassOf(err) == failure.ClassAuth && u.onAuth != nil {
		u.onAuth(err)
	}
	return err
}

// refsFor narrows a parent's cleanup refs to those covering the given files,
// carrying conversion intermediates (thumbnails, substitutes) along with the
// file they derive from.
func refsFor(parentRefs []string, files []string) []string {
	out := append([]string{}, files...)
	for _, ref := range parentRefs {
		for _, f := range files {
			if ref != f && strings.HasPrefix(ref, strings.TrimSuffix(f, filepath.Ext(f))) {
				out = append(out, ref)
			}
		}
	}
	return out
}
