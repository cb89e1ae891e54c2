package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"media-courier/internal/config"
	"media-courier/internal/failure"
	"media-courier/internal/messenger"
	"media-courier/internal/task"
)

// Notifier turns pipeline events into concise user-visible updates. Every
// send is best-effort and gated on the originating message still being known
// (restored tasks have no source ref). The notifier paces status traffic
// with its own limiter; it does not share the uploader's pacing limiter.
type Notifier struct {
	logger *slog.Logger
	msgr   messenger.Messenger
	cfg    *config.Manager

	pace *rate.Limiter

	mu        sync.Mutex
	lastPause string
	progress  map[int64]*rate.Limiter
}

func NewNotifier(logger *slog.Logger, msgr messenger.Messenger, cfg *config.Manager) *Notifier {
	return &Notifier{
		logger:   logger,
		msgr:     msgr,
		cfg:      cfg,
		pace:     rate.NewLimiter(rate.Every(2*time.Second), 3),
		progress: make(map[int64]*rate.Limiter),
	}
}

// Reply sends a one-line status back at the originating chat
func (n *Notifier) Reply(ctx context.Context, ref *task.SourceRef, text string) {
	if ref == nil || n.msgr == nil {
		return
	}
	if !n.pace.Allow() {
		n.logger.Debug("status update dropped by pacing", "text", text)
		return
	}
	target := messenger.Target{ChatID: ref.ChatID}
	if err := n.msgr.SendText(ctx, target, text); err != nil {
		n.logger.Debug("status update failed", "chat", ref.ChatID, "error", err)
	}
}

// TaskRetrying is the one-per-class retry update (queue.Notifier)
func (n *Notifier) TaskRetrying(t *task.Task, class failure.Class, wait time.Duration, attempt, budget int) {
	if t.SourceRef == nil {
		return
	}
	var text string
	if class == failure.ClassRateLimit {
		text = fmt.Sprintf("%s hit a rate limit; waiting %ds as instructed", displayName(t), int(wait.Seconds()))
	} else {
		text = fmt.Sprintf("%s failed (%s); retry %d/%d in %ds", displayName(t), class, attempt, budget, int(wait.Seconds()))
	}
	n.Reply(context.Background(), t.SourceRef, text)
}

// TaskFailed is the terminal failure update (queue.Notifier)
func (n *Notifier) TaskFailed(t *task.Task, class failure.Class) {
	if t.SourceRef == nil {
		return
	}
	n.Reply(context.Background(), t.SourceRef,
		fmt.Sprintf("%s permanently failed (%s); inputs kept for review", displayName(t), class))
}

// Pause records a user-visible pause reason (low storage, awaiting secret)
func (n *Notifier) Pause(reason string) {
	n.mu.Lock()
	n.lastPause = reason
	n.mu.Unlock()
	n.logger.Warn("pipeline paused", "reason", reason)
}

// LastPause returns the most recent pause reason for the status surface
func (n *Notifier) LastPause() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastPause
}

// ProgressFn returns a per-task download heartbeat callback. The fetcher
// already throttles by step and interval; this limiter bounds chat traffic
// on top of that.
func (n *Notifier) ProgressFn(t *task.Task) func(done, total int64, pct int) {
	if t.SourceRef == nil {
		return nil
	}
	n.mu.Lock()
	lim, ok := n.progress[t.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(n.cfg.ProgressMinInterval()*4), 1)
		n.progress[t.ID] = lim
	}
	n.mu.Unlock()

	ref := t.SourceRef
	name := displayName(t)
	return func(done, total int64, pct int) {
		if pct < 100 && !lim.Allow() {
			return
		}
		if pct >= 100 {
			n.mu.Lock()
			delete(n.progress, t.ID)
			n.mu.Unlock()
			return
		}
		n.Reply(context.Background(), ref, fmt.Sprintf("Downloading %s: %d%%", name, pct))
	}
}

// ConversionProgressFn logs conversion progress without chat traffic
func (n *Notifier) ConversionProgressFn(t *task.Task) func(pct int) {
	name := displayName(t)
	last := -20
	return func(pct int) {
		if pct-last < 20 {
			return
		}
		last = pct
		n.logger.Info("conversion progress", "name", name, "pct", pct)
	}
}

func displayName(t *task.Task) string {
	if t.Name != "" {
		return t.Name
	}
	return t.String()
}
