// Package api is the localhost control surface: status queries, pause and
// resume, secret delivery for protected archives, and external signals the
// messaging runtime cannot carry.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"media-courier/internal/core"
	"media-courier/internal/queue"
	"media-courier/internal/supervisor"
)

type ControlServer struct {
	logger *slog.Logger
	engine *core.Engine
	router *chi.Mux
}

func NewControlServer(logger *slog.Logger, engine *core.Engine) *ControlServer {
	s := &ControlServer{
		logger: logger,
		engine: engine,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/status", s.handleStatus)
	s.router.Get("/queue/{stage}", s.handleQueue)
	s.router.Get("/conversions", s.handleConversions)
	s.router.Get("/quarantine", s.handleQuarantine)
	s.router.Post("/cancel/{stage}", s.handleCancel)
	s.router.Post("/pause", s.handlePause)
	s.router.Post("/resume", s.handleResume)
	s.router.Post("/secret", s.handleSecret)
	s.router.Post("/auth/clear", s.handleAuthClear)
	s.router.Post("/signal/network", s.handleNetworkSignal)
}

// Start listens on localhost only; reaching this API from elsewhere is not a
// supported deployment.
func (s *ControlServer) Start(port int) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("control server failed to listen", "addr", addr, "error", err)
			return
		}
		s.logger.Info("control server listening", "addr", addr)
		if err := http.Serve(listener, s.router); err != nil {
			s.logger.Error("control server stopped", "error", err)
		}
	}()
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	qe := s.engine.Queue()
	pending := map[string]int{}
	for _, st := range queue.Stages {
		pending[string(st)] = len(qe.Pending(st))
	}
	inflight := map[string][]string{}
	for st, tasks := range qe.InFlight() {
		for _, t := range tasks {
			inflight[string(st)] = append(inflight[string(st)], t.String())
		}
	}
	dlOpen, dlReason := qe.Gate(queue.StageDownload).IsOpen()
	upOpen, upReason := qe.Gate(queue.StageUpload).IsOpen()

	writeJSON(w, map[string]interface{}{
		"pending":             pending,
		"in_flight":           inflight,
		"retry_pool":          len(qe.RetryPool()),
		"download_admitted":   dlOpen,
		"download_gate":       dlReason,
		"upload_admitted":     upOpen,
		"upload_gate":         upReason,
		"awaiting_secret_for": s.engine.Secrets().Waiting(),
		"conversions_pending": s.engine.Ledger().PendingCount(),
		"extraction_roots":    s.engine.Registry().Snapshot(),
	})
}

func (s *ControlServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	stage := queue.Stage(chi.URLParam(r, "stage"))
	switch stage {
	case queue.StageDownload, queue.StageProcess, queue.StageUpload:
	default:
		http.Error(w, "unknown stage", http.StatusNotFound)
		return
	}
	writeJSON(w, s.engine.Queue().Pending(stage))
}

func (s *ControlServer) handleConversions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Ledger().Entries())
}

func (s *ControlServer) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Quarantine().Entries())
}

func (s *ControlServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	stage := queue.Stage(chi.URLParam(r, "stage"))
	switch stage {
	case queue.StageDownload, queue.StageProcess, queue.StageUpload:
	default:
		http.Error(w, "unknown stage", http.StatusNotFound)
		return
	}
	n := s.engine.Queue().CancelInFlight(stage)
	writeJSON(w, map[string]int{"canceled": n})
}

func (s *ControlServer) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "paused by operator"
	}
	s.engine.Supervisor().Pause(body.Reason)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Supervisor().Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Secret == "" {
		http.Error(w, "secret required", http.StatusBadRequest)
		return
	}
	if err := s.engine.Secrets().Provide(body.Secret); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleAuthClear(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearAuth()
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleNetworkSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "state required", http.StatusBadRequest)
		return
	}
	switch supervisor.NetworkState(body.State) {
	case supervisor.NetworkWifi, supervisor.NetworkMobile:
		s.engine.Supervisor().NetworkChanged(supervisor.NetworkState(body.State))
	default:
		http.Error(w, "unknown network state", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
