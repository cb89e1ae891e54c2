package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"media-courier/internal/archive"
	"media-courier/internal/cache"
	"media-courier/internal/convert"
	"media-courier/internal/failure"
	"media-courier/internal/fetch"
	"media-courier/internal/media"
	"media-courier/internal/task"
)

// --- Download stage ---

func (e *Engine) handleDownloadStage(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	switch t.Type {
	case task.TypeWebdavCrawl:
		return e.handleCrawl(ctx, t)
	case task.TypeDownload, task.TypeWebdavFile:
		return e.handleFetch(ctx, t)
	}
	return nil, failure.New(failure.ClassPermanent, fmt.Errorf("download stage cannot handle %s", t.Type))
}

func (e *Engine) handleFetch(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	dest := t.Dest
	if dest == "" {
		dest = filepath.Join(e.dir, "incoming", filepath.Base(t.Name))
	}
	dest = uniqueDest(dest, t.ID)

	var err error
	if t.FileRef != "" {
		err = e.runtime.FetchAttachment(ctx, t.FileRef, dest)
	} else {
		err = e.fetcher.Fetch(ctx, t.URL, dest, fetch.Options{
			ExpectedName:      t.Name,
			ChunkSize:         e.cfg.FetchChunkSize(),
			InactivityTimeout: e.cfg.FetchInactivityTimeout(),
			MinInterval:       e.cfg.ProgressMinInterval(),
			MinStep:           e.cfg.ProgressMinStep(),
			Username:          t.AuthUser,
			Password:          t.AuthPass,
		}, e.notifier.ProgressFn(t))
	}
	if err != nil {
		return nil, err
	}

	// Integrity: the inbound event declared an exact size
	if t.Size > 0 {
		if fi, serr := os.Stat(dest); serr == nil && fi.Size() != t.Size {
			os.Remove(dest)
			return nil, failure.New(failure.ClassIntegrity,
				fmt.Errorf("materialized %d bytes, event declared %d", fi.Size(), t.Size))
		}
	}

	fp, size, err := cache.Fingerprint(dest)
	if err != nil {
		return nil, failure.New(failure.ClassPermanent, err)
	}
	if e.cache.Has(fp) {
		e.logger.Info("duplicate content, skipping", "name", t.Name, "fingerprint", fp)
		os.Remove(dest)
		e.notifier.Reply(ctx, t.SourceRef, fmt.Sprintf("Duplicate content, skipped: %s", t.Name))
		return nil, nil
	}
	e.store.IncrementDailyBytesIn(size)

	return e.routeDownloaded(t, dest), nil
}

// routeDownloaded decides the post-download path: archives extract, videos
// normalize, everything else uploads directly.
func (e *Engine) routeDownloaded(t *task.Task, dest string) []*task.Task {
	name := t.Name
	if name == "" {
		name = filepath.Base(dest)
	}
	kind := task.KindOfFile(name)

	switch kind {
	case task.KindArchive:
		return []*task.Task{{
			ID:          e.queue.NextID(),
			Type:        task.TypeExtract,
			SourceRef:   t.SourceRef,
			Kind:        task.KindArchive,
			ArchivePath: dest,
			Name:        name,
		}}
	case task.KindVideo:
		return []*task.Task{{
			ID:          e.queue.NextID(),
			Type:        task.TypeNormalize,
			SourceRef:   t.SourceRef,
			Kind:        task.KindVideo,
			Path:        dest,
			Name:        name,
			CleanupRefs: []string{dest},
		}}
	default:
		return []*task.Task{{
			ID:          e.queue.NextID(),
			Type:        task.TypeDirectUpload,
			SourceRef:   t.SourceRef,
			Kind:        kind,
			Path:        dest,
			Name:        name,
			CleanupRefs: []string{dest},
		}}
	}
}

func (e *Engine) handleCrawl(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	remotes, err := e.crawler.Crawl(ctx, t.URL, t.AuthUser, t.AuthPass)
	if err != nil {
		return nil, err
	}

	var followups []*task.Task
	skipped := 0
	for _, r := range remotes {
		if dup, _ := e.store.HasCompletedTransfer(r.Name, r.Size); dup {
			skipped++
			continue
		}
		followups = append(followups, &task.Task{
			ID:        e.queue.NextID(),
			Type:      task.TypeWebdavFile,
			SourceRef: t.SourceRef,
			Kind:      r.Kind,
			URL:       r.URL,
			AuthUser:  t.AuthUser,
			AuthPass:  t.AuthPass,
			Name:      r.Name,
			Size:      r.Size,
			Dest:      filepath.Join(e.dir, "incoming", filepath.Base(r.Name)),
		})
	}

	e.notifier.Reply(ctx, t.SourceRef,
		fmt.Sprintf("Share listed: %d file(s) queued, %d already processed", len(followups), skipped))
	return followups, nil
}

// --- Process stage ---

func (e *Engine) handleProcessStage(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	switch t.Type {
	case task.TypeExtract:
		return e.handleExtract(ctx, t)
	case task.TypeExpandEntry:
		return e.handleExpandEntry(ctx, t)
	case task.TypeNormalize:
		return e.handleNormalize(ctx, t)
	case task.TypeDeferredConvert:
		// Legacy records route straight into the ledger
		e.deferToLedger(t.Path, t.Archive, t.CleanupRefs)
		return nil, nil
	}
	return nil, failure.New(failure.ClassPermanent, fmt.Errorf("process stage cannot handle %s", t.Type))
}

// handleExtract scans the archive and fans out one ExpandEntry per media
// member that is not already in the manifest. Re-running after a crash is
// harmless: processed entries are skipped, pending ones re-persist.
func (e *Engine) handleExtract(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	manifestID := manifestIDFor(t.ArchivePath)
	root := filepath.Join(e.dir, "extract", manifestID)
	archiveName := t.Name
	if archiveName == "" {
		archiveName = filepath.Base(t.ArchivePath)
	}

	res, err := e.archives.Scan(ctx, t.ArchivePath, archiveName, manifestID, root)
	if err != nil {
		if err == archive.ErrSecretRequired || ctx.Err() != nil {
			return nil, failure.New(failure.ClassCanceled, err)
		}
		return nil, failure.New(failure.ClassPermanent, err)
	}
	man := res.Manifest
	e.registry.Register(t.ArchivePath, root, man.Path(), !man.Complete())

	actx := task.ArchiveCtx{
		ArchiveName:    archiveName,
		ExtractionRoot: root,
		ManifestID:     manifestID,
	}

	images, videos := 0, 0
	for _, m := range res.Media {
		if task.KindOfFile(m.Name) == task.KindImage {
			images++
		} else {
			videos++
		}
	}
	e.batcher.SetDiscovered(actx, task.KindImage, images)
	e.batcher.SetDiscovered(actx, task.KindVideo, videos)

	var followups []*task.Task
	for _, m := range res.Media {
		if man.IsProcessed(m.Index) {
			continue
		}
		followups = append(followups, &task.Task{
			ID:          e.queue.NextID(),
			Type:        task.TypeExpandEntry,
			SourceRef:   t.SourceRef,
			Archive:     &actx,
			Kind:        task.KindOfFile(m.Name),
			ArchivePath: t.ArchivePath,
			EntryIndex:  m.Index,
			EntryName:   m.Name,
			Size:        m.Size,
		})
	}

	if len(res.Media) == 0 {
		e.logger.Info("archive holds no media", "archive", archiveName)
		e.notifier.Reply(ctx, t.SourceRef, fmt.Sprintf("No media found in %s", archiveName))
		e.archives.CloseArchive(t.ArchivePath)
		e.registry.CloseRoot(root)
		return nil, nil
	}

	e.notifier.Reply(ctx, t.SourceRef,
		fmt.Sprintf("Expanding %s: %d media of %d entries", archiveName, len(res.Media), man.TotalEntries))
	return followups, nil
}

// handleExpandEntry extracts a single member, normalizes it if needed, and
// hands the result to the batcher. The upload task is persisted (held)
// before the batcher sees it, and the manifest is marked only after that, so
// a crash at any point re-runs into an idempotent no-op.
func (e *Engine) handleExpandEntry(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	man, err := archive.LoadManifest(e.dir, t.Archive.ManifestID)
	if err != nil {
		return nil, failure.New(failure.ClassPermanent, fmt.Errorf("manifest missing for %s: %w", t.Archive.ArchiveName, err))
	}
	if man.IsProcessed(t.EntryIndex) {
		e.finalizeIfComplete(man, t)
		return nil, nil
	}

	path, err := e.archives.ExtractEntry(ctx, t.ArchivePath, t.EntryIndex, t.EntryName, t.Archive.ExtractionRoot)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.New(failure.ClassCanceled, err)
		}
		return nil, failure.New(failure.ClassPermanent, err)
	}

	ut := &task.Task{
		ID:            e.queue.NextID(),
		Type:          task.TypeDirectUpload,
		Archive:       t.Archive,
		Kind:          t.Kind,
		Path:          path,
		Name:          t.EntryName,
		CleanupRefs:   []string{path},
		NextAttemptAt: task.HoldTime,
	}

	if t.Kind == task.KindVideo {
		outcome, info, perr := e.normalizer.Plan(ctx, path)
		if perr != nil {
			return nil, perr
		}
		switch outcome {
		case media.OutcomeDefer:
			e.deferToLedger(path, t.Archive, []string{path})
			if err := man.MarkProcessed(t.EntryIndex); err != nil {
				return nil, err
			}
			e.finalizeIfComplete(man, t)
			return nil, nil
		case media.OutcomeInline:
			res, nerr := e.normalizer.Normalize(ctx, path, nil)
			if nerr != nil {
				if failure.ClassOf(nerr) == failure.ClassNormalizeTimeout {
					return nil, nerr
				}
				// A failed fast conversion defers rather than blocking
				e.logger.Warn("inline conversion failed, deferring", "path", path, "error", nerr)
				e.deferToLedger(path, t.Archive, []string{path})
				if err := man.MarkProcessed(t.EntryIndex); err != nil {
					return nil, err
				}
				e.finalizeIfComplete(man, t)
				return nil, nil
			}
			ut.Path = res.Path
			ut.Thumb = res.Thumb
			ut.CleanupRefs = append(ut.CleanupRefs, res.Path)
			if res.Thumb != "" {
				ut.CleanupRefs = append(ut.CleanupRefs, res.Thumb)
			}
			if res.Info != nil {
				ut.Width, ut.Height, ut.Duration = res.Info.Width, res.Info.Height, int(res.Info.Duration)
			}
		default:
			if info != nil {
				ut.Width, ut.Height, ut.Duration = info.Width, info.Height, int(info.Duration)
			}
		}
	}

	if err := e.queue.Enqueue(ut); err != nil {
		return nil, err
	}
	e.registry.Acquire(t.Archive.ExtractionRoot)
	if err := e.batcher.Add(ut); err != nil {
		e.logger.Error("batcher rejected item, releasing hold", "task", ut.String(), "error", err)
		e.queue.ReleaseHold(ut.ID)
	}

	if err := man.MarkProcessed(t.EntryIndex); err != nil {
		return nil, err
	}
	e.finalizeIfComplete(man, t)
	return nil, nil
}

// finalizeIfComplete flushes trailing batches and closes the root once the
// whole archive streamed through.
func (e *Engine) finalizeIfComplete(man *archive.Manifest, t *task.Task) {
	if !man.Complete() {
		return
	}
	if err := e.batcher.FlushArchive(*t.Archive); err != nil {
		e.logger.Error("failed to flush trailing batches", "archive", t.Archive.ArchiveName, "error", err)
	}
	e.archives.CloseArchive(t.ArchivePath)
	e.registry.CloseRoot(t.Archive.ExtractionRoot)
	e.logger.Info("archive fully expanded",
		"archive", t.Archive.ArchiveName, "media", man.MediaTotal)
}

func (e *Engine) handleNormalize(ctx context.Context, t *task.Task) ([]*task.Task, error) {
	outcome, info, err := e.normalizer.Plan(ctx, t.Path)
	if err != nil {
		return nil, err
	}

	ut := &task.Task{
		ID:          e.queue.NextID(),
		Type:        task.TypeDirectUpload,
		SourceRef:   t.SourceRef,
		Kind:        task.KindVideo,
		Path:        t.Path,
		Name:        t.Name,
		CleanupRefs: append([]string{}, t.CleanupRefs...),
	}

	switch outcome {
	case media.OutcomeDefer:
		e.deferToLedger(t.Path, nil, t.CleanupRefs)
		e.notifier.Reply(ctx, t.SourceRef,
			fmt.Sprintf("%s needs a long conversion; it will upload when the pipeline is idle", t.Name))
		return nil, nil
	case media.OutcomeInline:
		res, nerr := e.normalizer.Normalize(ctx, t.Path, e.notifier.ConversionProgressFn(t))
		if nerr != nil {
			return nil, nerr
		}
		ut.Path = res.Path
		ut.Thumb = res.Thumb
		ut.CleanupRefs = append(ut.CleanupRefs, res.Path)
		if res.Thumb != "" {
			ut.CleanupRefs = append(ut.CleanupRefs, res.Thumb)
		}
		if res.Info != nil {
			ut.Width, ut.Height, ut.Duration = res.Info.Width, res.Info.Height, int(res.Info.Duration)
		}
	default:
		if info != nil {
			ut.Width, ut.Height, ut.Duration = info.Width, info.Height, int(info.Duration)
		}
	}
	return []*task.Task{ut}, nil
}

// deferToLedger writes a pending conversion entry, pinning the extraction
// root while the item waits.
func (e *Engine) deferToLedger(path string, actx *task.ArchiveCtx, cleanupRefs []string) {
	entry := &convert.Entry{
		InputPath:   path,
		CleanupRefs: append([]string{}, cleanupRefs...),
	}
	if actx != nil {
		entry.ArchiveName = actx.ArchiveName
		entry.ExtractionRoot = actx.ExtractionRoot
		entry.ManifestID = actx.ManifestID
		e.registry.Acquire(actx.ExtractionRoot)
	}
	if err := e.ledger.Add(entry); err != nil {
		e.logger.Error("failed to defer conversion", "path", path, "error", err)
		return
	}
	e.logger.Info("conversion deferred", "path", path)
}

// manifestIDFor derives a stable archive id from its materialized path, so
// an Extract re-run after a crash reuses the same manifest and root.
func manifestIDFor(archivePath string) string {
	sum := sha256.Sum256([]byte(archivePath))
	return hex.EncodeToString(sum[:8])
}
