// Package core assembles the pipeline: intake feeds the download stage,
// downloads route into extraction, normalization or upload, extraction
// streams members through the batcher, and the upload stage drains albums to
// the authorized recipient.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"media-courier/internal/archive"
	"media-courier/internal/batch"
	"media-courier/internal/cache"
	"media-courier/internal/cleanup"
	"media-courier/internal/config"
	"media-courier/internal/convert"
	"media-courier/internal/failure"
	"media-courier/internal/fetch"
	"media-courier/internal/intake"
	"media-courier/internal/media"
	"media-courier/internal/messenger"
	"media-courier/internal/queue"
	"media-courier/internal/storage"
	"media-courier/internal/supervisor"
	"media-courier/internal/task"
	"media-courier/internal/upload"
	"media-courier/internal/webdav"
)

// Runtime couples the outbound messenger with attachment fetching; the
// Telegram adapter satisfies both.
type Runtime interface {
	messenger.Messenger
	messenger.Fetcher
}

type Engine struct {
	logger *slog.Logger
	cfg    *config.Manager
	store  *storage.Storage
	dir    string

	queue      *queue.Engine
	fetcher    *fetch.Fetcher
	runtime    Runtime
	archives   *archive.Service
	normalizer *media.Normalizer
	ledger     *convert.Ledger
	convWorker *convert.Worker
	batcher    *batch.Batcher
	registry   *cleanup.Registry
	cache      *cache.Cache
	uploader   *upload.Uploader
	intake     *intake.Intake
	crawler    *webdav.Crawler
	notifier   *Notifier
	super      *supervisor.Supervisor
	quar       *queue.Quarantine

	targetMu sync.Mutex
	target   *messenger.Target

	wg sync.WaitGroup
}

func NewEngine(logger *slog.Logger, cfg *config.Manager, store *storage.Storage, dir string, runtime Runtime) (*Engine, error) {
	e := &Engine{
		logger:  logger,
		cfg:     cfg,
		store:   store,
		dir:     dir,
		runtime: runtime,
	}

	var err error
	e.cache, err = cache.Open(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open content cache: %w", err)
	}
	e.quar, err = queue.NewQuarantine(dir, logger, store)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare quarantine: %w", err)
	}

	e.notifier = NewNotifier(logger, runtime, cfg)
	policy := failure.NewPolicy(cfg.RetryBaseSeconds(), cfg.RetryMaxAttempts())
	e.queue, err = queue.NewEngine(dir, logger, policy, e.notifier, e.quar)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue engine: %w", err)
	}
	e.queue.SetConcurrency(queue.StageDownload, cfg.DownloadConcurrency())
	e.queue.SetConcurrency(queue.StageUpload, cfg.UploadConcurrency())

	e.fetcher = fetch.NewFetcher(logger)
	e.crawler = webdav.NewCrawler(logger)
	e.registry = cleanup.NewRegistry(logger)
	e.archives = archive.NewService(logger, dir, cfg.FreeSpaceFloor, e.notifier.Pause)

	ff := media.NewFFmpeg()
	e.normalizer = media.NewNormalizer(logger, ff, ff, cfg.TranscodeEnabled, cfg.TranscodeTimeout)

	e.ledger, err = convert.OpenLedger(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversion ledger: %w", err)
	}

	e.batcher = batch.NewBatcher(logger, cfg.AlbumSizeCap, e.emitAlbum, e.queue.ReleaseHold)

	e.uploader = upload.New(
		logger, runtime, e.registry, e.cache, store,
		e.normalizer, e.ledger,
		e.resolveTarget, e.queue.NextID, e.onAuthError,
	)

	e.intake = intake.New(logger, cfg, store, e.queue, e.notifier.Reply, dir)
	e.super = supervisor.New(logger, dir, cfg, e.queue)

	e.convWorker = convert.NewWorker(
		logger, e.ledger, e.normalizer,
		e.deferredEligible, e.enqueueConverted, e.queue.NextID,
		cfg.ConversionMaxRetries, cfg.ConversionSaveInterval,
		e.quarantineConversion,
	)

	e.queue.RegisterHandler(queue.StageDownload, e.handleDownloadStage)
	e.queue.RegisterHandler(queue.StageProcess, e.handleProcessStage)
	e.queue.RegisterHandler(queue.StageUpload, e.uploader.Handle)

	return e, nil
}

// Intake returns the inbound message sink
func (e *Engine) Intake() *intake.Intake {
	return e.intake
}

// Supervisor returns the process supervisor
func (e *Engine) Supervisor() *supervisor.Supervisor {
	return e.super
}

// Secrets exposes the awaiting-secret control surface
func (e *Engine) Secrets() *archive.SecretBox {
	return e.archives.Secrets()
}

// Queue exposes the staged queue engine for status queries
func (e *Engine) Queue() *queue.Engine {
	return e.queue
}

// Ledger exposes the deferred conversion ledger for status queries
func (e *Engine) Ledger() *convert.Ledger {
	return e.ledger
}

// Quarantine exposes the quarantine index
func (e *Engine) Quarantine() *queue.Quarantine {
	return e.quar
}

// Registry exposes the extraction cleanup registry
func (e *Engine) Registry() *cleanup.Registry {
	return e.registry
}

// Restore rebuilds all durable state after a start: journals, regrouping,
// registry refcounts, conversion ledger normalization.
func (e *Engine) Restore() error {
	stats, err := e.queue.Restore(e.cfg.AlbumSizeCap(), func(group []*task.Task, index, total int) string {
		if group[0].Archive == nil {
			return ""
		}
		return batch.Caption(group[0].Archive.ArchiveName, group[0].Kind, index, total, len(group))
	})
	if err != nil {
		return err
	}
	e.super.SummarizeRestore(stats)

	e.restoreRegistry()

	requeued, failed := e.ledger.Restore()
	if requeued > 0 || failed > 0 {
		e.logger.Info("conversion ledger normalized", "requeued", requeued, "failed", failed)
	}
	return nil
}

// restoreRegistry re-registers extraction roots from manifests on disk and
// recomputes refcounts from the restored upload queue (invariant I4).
func (e *Engine) restoreRegistry() {
	paths, _ := filepath.Glob(filepath.Join(e.dir, "manifests", "*.json"))
	for _, p := range paths {
		id := filepath.Base(p)
		id = id[:len(id)-len(".json")]
		man, err := archive.LoadManifest(e.dir, id)
		if err != nil {
			e.logger.Warn("manifest unreadable, skipping", "path", p, "error", err)
			continue
		}
		e.registry.Register(man.ArchivePath, man.Root, man.Path(), !man.Complete())
	}

	pending := e.queue.Pending(queue.StageUpload)
	inflight := e.queue.InFlight()
	pending = append(pending, inflight[queue.StageUpload]...)
	e.registry.Reattach(pending)

	// Ledgered conversions also pin their extraction roots: their inputs
	// live inside them.
	for _, entry := range e.ledger.Entries() {
		if entry.ExtractionRoot == "" {
			continue
		}
		if entry.Status == convert.StatusPending || entry.Status == convert.StatusInProgress {
			e.registry.Acquire(entry.ExtractionRoot)
		}
	}
}

// Start launches the stage workers, the deferred conversion worker and the
// snapshotter. Callers run Restore first.
func (e *Engine) Start(ctx context.Context) {
	e.queue.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.convWorker.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.super.RunSnapshots(ctx)
	}()
}

// Shutdown waits out workers and flushes persistent state
func (e *Engine) Shutdown() error {
	e.logger.Info("engine shutting down")
	e.queue.Wait()
	e.wg.Wait()
	if err := e.queue.Close(); err != nil {
		e.logger.Error("failed to close queue journals", "error", err)
	}
	if err := e.cache.Close(); err != nil {
		e.logger.Error("failed to close content cache", "error", err)
	}
	if err := e.store.Checkpoint(); err != nil {
		return err
	}
	e.logger.Info("engine shutdown complete")
	return nil
}

// emitAlbum is the batcher's emit hook: journal rewrite plus refcount swap
// (n individual references become one album reference).
func (e *Engine) emitAlbum(ids []int64, album *task.Task) error {
	album.ID = e.queue.NextID()
	if err := e.queue.MakeAlbum(ids, album); err != nil {
		return err
	}
	if album.Archive != nil {
		root := album.Archive.ExtractionRoot
		e.registry.Acquire(root)
		for range ids {
			e.registry.Release(root)
		}
	}
	return nil
}

// resolveTarget resolves and caches the authorized recipient
func (e *Engine) resolveTarget(ctx context.Context) (messenger.Target, error) {
	e.targetMu.Lock()
	defer e.targetMu.Unlock()
	if e.target != nil {
		return *e.target, nil
	}
	handle := e.cfg.UploadTarget()
	if handle == "" {
		return messenger.Target{}, failure.New(failure.ClassAuth, fmt.Errorf("upload target not configured"))
	}
	tgt, err := e.runtime.ResolveTarget(ctx, handle)
	if err != nil {
		return messenger.Target{}, err
	}
	e.target = &tgt
	return tgt, nil
}

// onAuthError pauses the upload stage until the operator clears it
func (e *Engine) onAuthError(err error) {
	e.logger.Error("outbound auth failed, pausing uploads", "error", err)
	e.queue.Gate(queue.StageUpload).Close("outbound auth expired; operator action required")
	e.notifier.Pause("uploads paused: outbound authorization expired")
}

// ClearAuth reopens the upload stage after re-authentication
func (e *Engine) ClearAuth() {
	e.targetMu.Lock()
	e.target = nil
	e.targetMu.Unlock()
	e.queue.Gate(queue.StageUpload).Open()
}

// deferredEligible implements the starvation-free drain gate: deferred
// conversions run only while Download and Upload hold no non-deferred work.
func (e *Engine) deferredEligible() bool {
	return e.queue.IdleExceptDeferred()
}

// enqueueConverted routes a finished deferred conversion into the upload
// stage. The ledger held one registry reference for the item; the new upload
// task takes its own, then the ledger's is dropped.
func (e *Engine) enqueueConverted(t *task.Task) error {
	if t.Archive != nil {
		e.registry.Acquire(t.Archive.ExtractionRoot)
	}
	if err := e.queue.Enqueue(t); err != nil {
		return err
	}
	if t.Archive != nil {
		e.registry.Release(t.Archive.ExtractionRoot)
	}
	return nil
}

// quarantineConversion preserves the input of a permanently failed deferred
// conversion under the quarantine root.
func (e *Engine) quarantineConversion(inputPath string, cause error) {
	t := &task.Task{
		ID:   e.queue.NextID(),
		Type: task.TypeDeferredConvert,
		Path: inputPath,
	}
	if err := e.quar.Add(t, failure.ClassPermanent, cause); err != nil {
		e.logger.Error("failed to quarantine conversion input", "path", inputPath, "error", err)
	}
}

// uniqueDest makes a task-stable destination that cannot collide with an
// existing completed file. Deterministic per task id so retries resume the
// same .part.
func uniqueDest(dest string, id int64) string {
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(dest)
	return fmt.Sprintf("%s_%d%s", dest[:len(dest)-len(ext)], id, ext)
}
