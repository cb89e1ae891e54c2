// Package queue is the work orchestration kernel: durable bounded FIFO stages
// with single-flight workers, a shared retry pool honoring per-class backoff,
// album regrouping after crashes, and quarantine for permanent failures.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"media-courier/internal/failure"
	"media-courier/internal/journal"
	"media-courier/internal/task"
)

// Handler executes one task and returns follow-up tasks to enqueue on
// success. Follow-ups are routed by their type.
type Handler func(ctx context.Context, t *task.Task) ([]*task.Task, error)

// Notifier receives the one-per-class user-visible status updates. All
// implementations must treat delivery as best-effort.
type Notifier interface {
	TaskRetrying(t *task.Task, class failure.Class, wait time.Duration, attempt, budget int)
	TaskFailed(t *task.Task, class failure.Class)
}

type Engine struct {
	logger   *slog.Logger
	dir      string
	policy   *failure.Policy
	notifier Notifier
	quar     *Quarantine

	journals map[Stage]*journal.Journal
	retryLog *journal.Journal

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[Stage][]*task.Task
	inflight map[Stage]map[int64]*task.Task
	cancels  map[Stage]map[int64]context.CancelFunc
	retries  []*task.Task // waiting for NextAttemptAt, any stage

	handlers    map[Stage]Handler
	gates       map[Stage]*Gate
	concurrency map[Stage]int

	nextID  atomic.Int64
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func NewEngine(dir string, logger *slog.Logger, policy *failure.Policy, notifier Notifier, quar *Quarantine) (*Engine, error) {
	e := &Engine{
		logger:      logger,
		dir:         dir,
		policy:      policy,
		notifier:    notifier,
		quar:        quar,
		journals:    make(map[Stage]*journal.Journal),
		pending:     make(map[Stage][]*task.Task),
		inflight:    make(map[Stage]map[int64]*task.Task),
		cancels:     make(map[Stage]map[int64]context.CancelFunc),
		handlers:    make(map[Stage]Handler),
		gates:       make(map[Stage]*Gate),
		concurrency: map[Stage]int{StageDownload: 1, StageProcess: 1, StageUpload: 1},
	}
	e.cond = sync.NewCond(&e.mu)

	for _, st := range Stages {
		j, err := journal.Open(filepath.Join(dir, "queue", string(st)+".log"), logger)
		if err != nil {
			return nil, err
		}
		e.journals[st] = j
		e.inflight[st] = make(map[int64]*task.Task)
		e.cancels[st] = make(map[int64]context.CancelFunc)
		e.gates[st] = NewGate()
	}
	retryLog, err := journal.Open(filepath.Join(dir, "queue", "retry.log"), logger)
	if err != nil {
		return nil, err
	}
	e.retryLog = retryLog
	return e, nil
}

func (e *Engine) RegisterHandler(st Stage, h Handler) {
	e.handlers[st] = h
}

func (e *Engine) SetConcurrency(st Stage, n int) {
	if n < 1 {
		n = 1
	}
	e.mu.Lock()
	e.concurrency[st] = n
	e.mu.Unlock()
}

// Gate returns the admission gate for a stage
func (e *Engine) Gate(st Stage) *Gate {
	return e.gates[st]
}

// NextID hands out the next monotone task identifier
func (e *Engine) NextID() int64 {
	return e.nextID.Add(1)
}

// Enqueue persists the task to its stage journal, then makes it runnable.
// Safe under concurrent producers.
func (e *Engine) Enqueue(t *task.Task) error {
	return e.EnqueueAll([]*task.Task{t})
}

// EnqueueAll persists a batch under one fsync per stage journal
func (e *Engine) EnqueueAll(ts []*task.Task) error {
	byStage := make(map[Stage][]*task.Task)
	for _, t := range ts {
		if t.ID == 0 {
			t.ID = e.NextID()
		}
		byStage[StageFor(t.Type)] = append(byStage[StageFor(t.Type)], t)
	}
	for st, group := range byStage {
		if err := e.journals[st].AppendBatch(group); err != nil {
			return fmt.Errorf("failed to persist %s tasks: %w", st, err)
		}
	}
	e.mu.Lock()
	for st, group := range byStage {
		e.pending[st] = append(e.pending[st], group...)
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

// Peek returns the head task of a stage without removing it
func (e *Engine) Peek(st Stage) *task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending[st]) == 0 {
		return nil
	}
	return e.pending[st][0]
}

// complete atomically removes a finished task and enqueues its follow-ups.
// Follow-up adds are persisted before the del so a crash between the two
// yields duplicate work, never lost work.
func (e *Engine) complete(st Stage, t *task.Task, followups []*task.Task) error {
	if len(followups) > 0 {
		if err := e.EnqueueAll(followups); err != nil {
			return err
		}
	}
	if err := e.journals[st].Remove(t.ID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.inflight[st], t.ID)
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

// removePendingLocked drops a task from the pending slice if present.
// Callers hold e.mu. A failed task normally left pending via take, but fail
// must stay correct when invoked on a task that never ran.
func (e *Engine) removePendingLocked(st Stage, id int64) {
	for i, p := range e.pending[st] {
		if p.ID == id {
			e.pending[st] = append(e.pending[st][:i], e.pending[st][i+1:]...)
			return
		}
	}
}

// fail applies the retry policy to a task that terminated with err
func (e *Engine) fail(st Stage, t *task.Task, err error) {
	class := failure.ClassOf(err)
	wait := failure.WaitOf(err)

	if class == failure.ClassCanceled {
		// Shutdown or operator cancel: the add record is still on disk. Drop
		// the in-flight slot and put the task back at the head of its stage.
		e.mu.Lock()
		delete(e.inflight[st], t.ID)
		e.removePendingLocked(st, t.ID)
		e.pending[st] = append([]*task.Task{t}, e.pending[st]...)
		e.mu.Unlock()
		return
	}

	decision := e.policy.Decide(class, t.RetryCount, wait)
	firstOfClass := t.LastErrorClass != string(class)
	t.LastErrorClass = string(class)

	// An error the classifier did not recognize gets one immediate sanity
	// retry before PERMANENT is treated as terminal
	if _, typed := err.(*failure.Error); class == failure.ClassPermanent && !typed && firstOfClass {
		decision = failure.Decision{Retry: true, ConsumesBudget: true}
	}

	if decision.Retry {
		if decision.ConsumesBudget {
			t.RetryCount++
		}
		t.NextAttemptAt = time.Now().Add(decision.Delay)
		if firstOfClass && e.notifier != nil {
			e.notifier.TaskRetrying(t, class, decision.Delay, t.RetryCount, e.policy.MaxAttempts)
		}
		e.logger.Warn("task failed, will retry",
			"task", t.String(), "class", string(class),
			"delay", decision.Delay.String(), "attempt", t.RetryCount, "budget", e.policy.MaxAttempts)

		if decision.Delay <= 0 {
			// Immediate retry keeps its stage and jumps the line
			e.mu.Lock()
			delete(e.inflight[st], t.ID)
			e.removePendingLocked(st, t.ID)
			e.pending[st] = append([]*task.Task{t}, e.pending[st]...)
			e.cond.Broadcast()
			e.mu.Unlock()
			return
		}

		// Park in the retry pool: add to retry.log first, then remove from
		// the stage journal. A crash in between doubles the record; restore
		// dedupes by id.
		if err := e.retryLog.Append(t); err != nil {
			e.logger.Error("failed to persist retry record", "task", t.String(), "error", err)
		} else if err := e.journals[st].Remove(t.ID); err != nil {
			e.logger.Error("failed to remove task from stage journal", "task", t.String(), "error", err)
		}
		e.mu.Lock()
		delete(e.inflight[st], t.ID)
		e.removePendingLocked(st, t.ID)
		e.retries = append(e.retries, t)
		e.mu.Unlock()
		return
	}

	// Terminal: quarantine the inputs, keep the record for the operator
	e.logger.Error("task permanently failed",
		"task", t.String(), "class", string(class), "error", err)
	if e.notifier != nil {
		e.notifier.TaskFailed(t, class)
	}
	if e.quar != nil {
		if qerr := e.quar.Add(t, class, err); qerr != nil {
			e.logger.Error("failed to quarantine task", "task", t.String(), "error", qerr)
		}
	}
	if err := e.journals[st].Remove(t.ID); err != nil {
		e.logger.Error("failed to remove quarantined task", "task", t.String(), "error", err)
	}
	e.mu.Lock()
	delete(e.inflight[st], t.ID)
	e.removePendingLocked(st, t.ID)
	e.cond.Broadcast()
	e.mu.Unlock()
}

// MakeAlbum replaces a set of pending individual upload tasks with one
// AlbumDispatch carrying their files in order. The journal rewrite shares a
// single fsync. Used by the live batcher and by restore regrouping.
func (e *Engine) MakeAlbum(ids []int64, album *task.Task) error {
	if album.ID == 0 {
		album.ID = e.NextID()
	}
	e.mu.Lock()
	byID := make(map[int64]int)
	for i, t := range e.pending[StageUpload] {
		byID[t.ID] = i
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			e.mu.Unlock()
			return fmt.Errorf("task %d is not pending in upload stage", id)
		}
	}
	// Remove members, insert the album at the first member's position
	first := len(e.pending[StageUpload])
	remove := make(map[int64]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
		if byID[id] < first {
			first = byID[id]
		}
	}
	kept := make([]*task.Task, 0, len(e.pending[StageUpload]))
	for i, t := range e.pending[StageUpload] {
		if i == first {
			kept = append(kept, album)
		}
		if !remove[t.ID] {
			kept = append(kept, t)
		}
	}
	e.pending[StageUpload] = kept
	e.cond.Broadcast()
	e.mu.Unlock()

	return e.journals[StageUpload].Rewrite(ids, []*task.Task{album})
}

// ReleaseHold clears the batcher hold on a pending upload task so it can
// dispatch individually.
func (e *Engine) ReleaseHold(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.pending[StageUpload] {
		if t.ID == id && t.Held() {
			t.NextAttemptAt = time.Time{}
			e.cond.Broadcast()
			return
		}
	}
}

// RestoreStats summarizes what Restore rebuilt
type RestoreStats struct {
	Restored  map[Stage]int
	Retries   int
	Regrouped int
	Albums    int
	Dropped   int
}

// Restore rebuilds the in-memory queues from the on-disk journals, dedupes
// records that were mid-move between journals at crash time, re-seeds the id
// counter, and regroups stranded individual uploads into albums.
func (e *Engine) Restore(albumCap int, captionFn func(group []*task.Task, index, total int) string) (*RestoreStats, error) {
	stats := &RestoreStats{Restored: make(map[Stage]int)}
	seen := make(map[int64]bool)
	var maxID int64

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, st := range Stages {
		tasks, err := e.journals[st].Replay()
		if err != nil {
			return nil, fmt.Errorf("failed to replay %s journal: %w", st, err)
		}
		kept := tasks[:0]
		for _, t := range tasks {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			if t.ID > maxID {
				maxID = t.ID
			}
			kept = append(kept, t)
		}
		e.pending[st] = kept
		stats.Restored[st] = len(kept)
	}

	retries, err := e.retryLog.Replay()
	if err != nil {
		return nil, fmt.Errorf("failed to replay retry journal: %w", err)
	}
	for _, t := range retries {
		if seen[t.ID] {
			// The stage journal copy won the race; drop the retry twin
			continue
		}
		seen[t.ID] = true
		if t.ID > maxID {
			maxID = t.ID
		}
		e.retries = append(e.retries, t)
		stats.Retries++
	}
	if maxID > e.nextID.Load() {
		e.nextID.Store(maxID)
	}

	if albumCap > 1 {
		grouped, albums, dropped := e.regroupLocked(albumCap, captionFn)
		stats.Regrouped = grouped
		stats.Albums = albums
		stats.Dropped = dropped
		if grouped > 0 {
			e.logger.Info("regrouped restored upload tasks into albums",
				"individual", grouped, "albums", albums, "dropped_missing", dropped)
		}
	}

	// Batcher holds do not survive a restart: whatever regrouping left as an
	// individual upload dispatches individually.
	for _, t := range e.pending[StageUpload] {
		if t.Held() {
			t.NextAttemptAt = time.Time{}
		}
	}
	return stats, nil
}

// Pending returns a copy of a stage's pending queue, for status queries and
// registry reattachment
func (e *Engine) Pending(st Stage) []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*task.Task, len(e.pending[st]))
	copy(out, e.pending[st])
	return out
}

// RetryPool returns a copy of the tasks waiting out their backoff delay
func (e *Engine) RetryPool() []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*task.Task, len(e.retries))
	copy(out, e.retries)
	return out
}

// InFlight returns the currently executing tasks across stages
func (e *Engine) InFlight() map[Stage][]*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Stage][]*task.Task)
	for st, m := range e.inflight {
		for _, t := range m {
			out[st] = append(out[st], t)
		}
		sort.Slice(out[st], func(i, j int) bool { return out[st][i].ID < out[st][j].ID })
	}
	return out
}

// CancelInFlight cancels every currently executing task in a stage (the
// cancel-current external signal). The canceled tasks stay journaled and
// re-run later; partial artifacts remain for resume.
func (e *Engine) CancelInFlight(st Stage) int {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.cancels[st]))
	for _, c := range e.cancels[st] {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// IdleExceptDeferred reports whether Download and Upload hold no non-deferred
// work, the eligibility condition for the deferred conversion worker.
func (e *Engine) IdleExceptDeferred() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range []Stage{StageDownload, StageUpload} {
		if len(e.pending[st]) > 0 || len(e.inflight[st]) > 0 {
			return false
		}
	}
	return true
}

// Close flushes and closes all journals
func (e *Engine) Close() error {
	var firstErr error
	for _, j := range e.journals {
		if err := j.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.retryLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
