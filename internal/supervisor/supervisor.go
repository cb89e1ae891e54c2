// Package supervisor owns process-level concerns: the singleton lock,
// advisory crash-state snapshots, and the admission gate driven by network
// state signals.
package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"media-courier/internal/config"
	"media-courier/internal/queue"
)

// NetworkState is the external connectivity signal payload
type NetworkState string

const (
	NetworkWifi   NetworkState = "wifi"
	NetworkMobile NetworkState = "mobile"
)

type Supervisor struct {
	logger *slog.Logger
	dir    string
	cfg    *config.Manager
	engine *queue.Engine
}

func New(logger *slog.Logger, dir string, cfg *config.Manager, engine *queue.Engine) *Supervisor {
	return &Supervisor{logger: logger, dir: dir, cfg: cfg, engine: engine}
}

// NetworkChanged applies the wifi-only admission policy. The download gate
// flips between tasks only; in-flight downloads run to natural completion.
func (s *Supervisor) NetworkChanged(state NetworkState) {
	gate := s.engine.Gate(queue.StageDownload)
	if state == NetworkMobile && s.cfg.WifiOnly() {
		s.logger.Info("mobile network with wifi-only policy, pausing downloads")
		gate.Close("wifi-only policy: on mobile network")
		return
	}
	open, _ := gate.IsOpen()
	if !open {
		s.logger.Info("network admissible again, resuming downloads")
		gate.Open()
	}
}

// Pause closes the download gate on operator request
func (s *Supervisor) Pause(reason string) {
	s.engine.Gate(queue.StageDownload).Close(reason)
}

// Resume reopens the download gate
func (s *Supervisor) Resume() {
	s.engine.Gate(queue.StageDownload).Open()
}

// snapshot is the advisory in-flight picture; the stage journals stay
// authoritative and restoration never reads this file.
type snapshot struct {
	Time     time.Time                 `json:"time"`
	InFlight map[string][]taskSnapshot `json:"in_flight"`
	Pending  map[string]int            `json:"pending"`
}

type taskSnapshot struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// RunSnapshots persists the advisory snapshot on the configured cadence
func (s *Supervisor) RunSnapshots(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SnapshotInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.writeSnapshot() // final picture for post-mortem reads
			return
		case <-ticker.C:
			s.writeSnapshot()
		}
	}
}

func (s *Supervisor) writeSnapshot() {
	snap := snapshot{
		Time:     time.Now(),
		InFlight: make(map[string][]taskSnapshot),
		Pending:  make(map[string]int),
	}
	for st, tasks := range s.engine.InFlight() {
		for _, t := range tasks {
			snap.InFlight[string(st)] = append(snap.InFlight[string(st)], taskSnapshot{
				ID:   t.ID,
				Type: string(t.Type),
				Name: t.Name,
			})
		}
	}
	for _, st := range queue.Stages {
		snap.Pending[string(st)] = len(s.engine.Pending(st))
	}

	path := filepath.Join(s.dir, "state", "current.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.logger.Warn("failed to write snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("failed to publish snapshot", "error", err)
	}
}

// SummarizeRestore logs what came back from disk
func (s *Supervisor) SummarizeRestore(stats *queue.RestoreStats) {
	total := 0
	for _, n := range stats.Restored {
		total += n
	}
	s.logger.Info("state restored from journals",
		"tasks", total, "retries", stats.Retries,
		"regrouped", stats.Regrouped, "albums", stats.Albums)
}
