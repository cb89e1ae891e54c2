package convert

import (
	"context"
	"log/slog"
	"os"
	"time"

	"media-courier/internal/media"
	"media-courier/internal/task"
)

// pollInterval is how often the worker re-checks eligibility when idle
const pollInterval = 5 * time.Second

// Worker drains the ledger one conversion at a time, but only while the
// pipeline holds no non-deferred work in Download or Upload. That gate is
// what keeps deferral starvation-free for live traffic without starving the
// ledger forever: any quiet moment drains it.
type Worker struct {
	logger     *slog.Logger
	ledger     *Ledger
	normalizer *media.Normalizer

	idle         func() bool
	emit         func(t *task.Task) error
	newTaskID    func() int64
	maxRetries   func() int
	saveInterval func() time.Duration
	quarantine   func(inputPath string, cause error)
}

func NewWorker(
	logger *slog.Logger,
	ledger *Ledger,
	normalizer *media.Normalizer,
	idle func() bool,
	emit func(t *task.Task) error,
	newTaskID func() int64,
	maxRetries func() int,
	saveInterval func() time.Duration,
	quarantine func(inputPath string, cause error),
) *Worker {
	return &Worker{
		logger:       logger,
		ledger:       ledger,
		normalizer:   normalizer,
		idle:         idle,
		emit:         emit,
		newTaskID:    newTaskID,
		maxRetries:   maxRetries,
		saveInterval: saveInterval,
		quarantine:   quarantine,
	}
}

// Run blocks until ctx is done
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !w.idle() {
			continue
		}
		entry := w.ledger.NextPending()
		if entry == nil {
			continue
		}
		w.convert(ctx, entry)
	}
}

func (w *Worker) convert(ctx context.Context, entry *Entry) {
	w.logger.Info("deferred conversion starting",
		"input", entry.InputPath, "attempt", entry.RetryCount+1)

	if _, err := os.Stat(entry.InputPath); err != nil {
		w.fail(entry, err)
		return
	}

	// Progress hits the ledger at most once per save interval
	interval := w.saveInterval()
	var lastSave time.Time
	progress := func(pct int) {
		if time.Since(lastSave) < interval {
			return
		}
		lastSave = time.Now()
		if err := w.ledger.UpdateProgress(entry.InputPath, pct); err != nil {
			w.logger.Warn("failed to record conversion progress", "input", entry.InputPath, "error", err)
		}
	}

	res, err := w.normalizer.Normalize(ctx, entry.InputPath, progress)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-conversion: restore requeues the in_progress entry
			return
		}
		media.RemoveConversionArtifacts(entry.InputPath)
		w.fail(entry, err)
		return
	}

	if err := w.ledger.MarkCompleted(entry.InputPath, res.Path); err != nil {
		w.logger.Error("failed to mark conversion completed", "input", entry.InputPath, "error", err)
	}

	up := &task.Task{
		ID:          w.newTaskID(),
		Type:        task.TypeDirectUpload,
		Kind:        task.KindVideo,
		Path:        res.Path,
		Name:        entry.ArchiveName,
		Thumb:       res.Thumb,
		CleanupRefs: append(append([]string{}, entry.CleanupRefs...), entry.InputPath, res.Path),
	}
	if res.Thumb != "" {
		up.CleanupRefs = append(up.CleanupRefs, res.Thumb)
	}
	if res.Info != nil {
		up.Width = res.Info.Width
		up.Height = res.Info.Height
		up.Duration = int(res.Info.Duration)
	}
	if entry.ArchiveName != "" {
		up.Archive = &task.ArchiveCtx{
			ArchiveName:    entry.ArchiveName,
			ExtractionRoot: entry.ExtractionRoot,
			ManifestID:     entry.ManifestID,
		}
	}
	if err := w.emit(up); err != nil {
		w.logger.Error("failed to enqueue converted upload", "input", entry.InputPath, "error", err)
		return
	}
	w.logger.Info("deferred conversion completed", "input", entry.InputPath, "output", res.Path)
}

func (w *Worker) fail(entry *Entry, cause error) {
	terminal, err := w.ledger.MarkFailed(entry.InputPath, cause, w.maxRetries())
	if err != nil {
		w.logger.Error("failed to record conversion failure", "input", entry.InputPath, "error", err)
		return
	}
	if terminal {
		w.logger.Error("deferred conversion permanently failed",
			"input", entry.InputPath, "error", cause)
		if w.quarantine != nil {
			w.quarantine(entry.InputPath, cause)
		}
		return
	}
	w.logger.Warn("deferred conversion failed, will retry",
		"input", entry.InputPath, "attempt", entry.RetryCount+1, "error", cause)
}
