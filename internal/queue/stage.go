package queue

import (
	"context"
	"sync"

	"media-courier/internal/task"
)

type Stage string

const (
	StageDownload Stage = "download"
	StageProcess  Stage = "process"
	StageUpload   Stage = "upload"
)

// Stages lists the worker-owning stages in pipeline order
var Stages = []Stage{StageDownload, StageProcess, StageUpload}

// StageFor routes a task type to the stage whose worker executes it
func StageFor(tt task.Type) Stage {
	switch tt {
	case task.TypeDownload, task.TypeWebdavCrawl, task.TypeWebdavFile:
		return StageDownload
	case task.TypeExtract, task.TypeExpandEntry, task.TypeNormalize, task.TypeDeferredConvert:
		return StageProcess
	case task.TypeAlbumDispatch, task.TypeDirectUpload:
		return StageUpload
	}
	return StageProcess
}

// Gate is a boolean admission predicate workers consult between tasks, never
// mid-task. Closing it parks the stage after the in-flight task completes.
type Gate struct {
	mu     sync.Mutex
	open   bool
	reason string
	ch     chan struct{}
}

func NewGate() *Gate {
	return &Gate{open: true, ch: make(chan struct{})}
}

func (g *Gate) Close(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.reason = reason
		return
	}
	g.open = false
	g.reason = reason
	g.ch = make(chan struct{})
}

func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return
	}
	g.open = true
	g.reason = ""
	close(g.ch)
}

func (g *Gate) IsOpen() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open, g.reason
}

// Wait blocks until the gate opens or ctx is done
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.open {
			g.mu.Unlock()
			return nil
		}
		ch := g.ch
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
