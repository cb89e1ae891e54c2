package queue

import (
	"context"
	"fmt"
	"time"

	"media-courier/internal/failure"
	"media-courier/internal/task"
)

// Start launches the stage workers and the retry pump. It returns once all
// goroutines are running; ctx cancellation winds them down.
func (e *Engine) Start(ctx context.Context) {
	for _, st := range Stages {
		e.mu.Lock()
		n := e.concurrency[st]
		e.mu.Unlock()
		for i := 0; i < n; i++ {
			e.wg.Add(1)
			go e.workerLoop(ctx, st)
		}
	}
	e.wg.Add(1)
	go e.retryPump(ctx)

	// Wake cond waiters when the context dies
	go func() {
		<-ctx.Done()
		e.stopped.Store(true)
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	}()
}

// Wait blocks until all workers exited
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, st Stage) {
	defer e.wg.Done()
	for {
		t := e.take(st)
		if t == nil {
			return // shutting down
		}

		// Admission gate is consulted between tasks, never mid-task
		if err := e.gates[st].Wait(ctx); err != nil {
			e.fail(st, t, failure.New(failure.ClassCanceled, err))
			return
		}
		if ctx.Err() != nil {
			e.fail(st, t, failure.New(failure.ClassCanceled, ctx.Err()))
			return
		}

		e.execute(ctx, st, t)
	}
}

// take blocks until a ready head task exists, marks it in-flight and returns
// it. Returns nil when the engine stops.
func (e *Engine) take(st Stage) *task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.stopped.Load() {
			return nil
		}
		now := time.Now()
		for i, t := range e.pending[st] {
			if !t.Ready(now) {
				continue // delayed tasks yield to ready ones
			}
			e.pending[st] = append(e.pending[st][:i], e.pending[st][i+1:]...)
			e.inflight[st][t.ID] = t
			return t
		}
		e.cond.Wait()
	}
}

func (e *Engine) execute(ctx context.Context, st Stage, t *task.Task) {
	h := e.handlers[st]
	if h == nil {
		e.fail(st, t, failure.New(failure.ClassPermanent, fmt.Errorf("no handler registered for stage %s", st)))
		return
	}

	tctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[st][t.ID] = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels[st], t.ID)
		e.mu.Unlock()
		if r := recover(); r != nil {
			e.logger.Error("worker panic recovered", "stage", string(st), "task", t.String(), "panic", r)
			e.fail(st, t, failure.New(failure.ClassPermanent, fmt.Errorf("worker panic: %v", r)))
		}
	}()

	start := time.Now()
	followups, err := h(tctx, t)
	if err != nil {
		e.fail(st, t, err)
		return
	}

	if cerr := e.complete(st, t, followups); cerr != nil {
		e.logger.Error("failed to commit task completion", "task", t.String(), "error", cerr)
		// The add record is still journaled; the task re-runs after restart.
		e.mu.Lock()
		delete(e.inflight[st], t.ID)
		e.mu.Unlock()
		return
	}
	e.logger.Debug("task completed",
		"stage", string(st), "task", t.String(),
		"followups", len(followups), "took", time.Since(start).String())
}

// retryPump moves due retry-pool tasks back into their home stage. A short
// tick keeps rate-limit waits accurate to the second without busy-waiting.
func (e *Engine) retryPump(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.promoteDue()
		}
	}
}

func (e *Engine) promoteDue() {
	now := time.Now()
	e.mu.Lock()
	var due []*task.Task
	kept := e.retries[:0]
	for _, t := range e.retries {
		if t.Ready(now) {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	e.retries = kept
	e.mu.Unlock()

	for _, t := range due {
		st := StageFor(t.Type)
		// Stage add first, retry del second; restore dedupes the overlap
		if err := e.journals[st].Append(t); err != nil {
			e.logger.Error("failed to promote retry task", "task", t.String(), "error", err)
			e.mu.Lock()
			e.retries = append(e.retries, t)
			e.mu.Unlock()
			continue
		}
		if err := e.retryLog.Remove(t.ID); err != nil {
			e.logger.Error("failed to clear retry record", "task", t.String(), "error", err)
		}
		e.mu.Lock()
		e.pending[st] = append(e.pending[st], t)
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}
