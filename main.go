package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"media-courier/internal/api"
	"media-courier/internal/config"
	"media-courier/internal/core"
	"media-courier/internal/logger"
	"media-courier/internal/messenger"
	"media-courier/internal/storage"
	"media-courier/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	baseDir := os.Getenv("COURIER_DIR")
	if baseDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			println("Error resolving config dir:", err.Error())
			return 1
		}
		baseDir = filepath.Join(configDir, "media-courier")
	}

	log, err := logger.New(os.Stdout, baseDir)
	if err != nil {
		println("Error initializing logger:", err.Error())
		return 1
	}

	// Singleton lock before any state is touched
	release, err := supervisor.AcquireLock(baseDir, log)
	if err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			log.Error("another instance holds the lock, exiting", "error", err)
			return 3
		}
		log.Error("failed to acquire lock", "error", err)
		return 1
	}
	defer release()

	store, err := storage.Open(baseDir)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		return 1
	}
	defer store.Close()

	cfg := config.NewManager(store, log)

	token := os.Getenv("COURIER_BOT_TOKEN")
	if token == "" {
		token = cfg.BotToken()
	}
	if token == "" {
		log.Error("no bot token configured (COURIER_BOT_TOKEN or bot.token setting)")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The runtime adapter is built first without a sink; the engine's intake
	// is attached once both exist.
	var sinkProxy sinkHolder
	runtime, err := messenger.NewTelegram(token, log, &sinkProxy)
	if err != nil {
		log.Error("failed to connect messaging runtime", "error", err)
		return 1
	}

	engine, err := core.NewEngine(log, cfg, store, baseDir, runtime)
	if err != nil {
		log.Error("failed to build engine", "error", err)
		return 1
	}
	sinkProxy.set(engine.Intake())

	if err := engine.Restore(); err != nil {
		log.Error("failed to restore state", "error", err)
		return 1
	}

	engine.Start(ctx)

	if cfg.APIEnabled() {
		control := api.NewControlServer(log, engine)
		control.Start(cfg.APIPort())
	}

	core.WaitForSignals(func() {
		log.Info("signal received, shutting down")
		cancel()
	})

	runtime.Start(ctx) // blocks until ctx is done

	if err := engine.Shutdown(); err != nil {
		log.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

// sinkHolder defers sink wiring until the engine exists
type sinkHolder struct {
	sink messenger.Sink
}

func (s *sinkHolder) set(sink messenger.Sink) {
	s.sink = sink
}

func (s *sinkHolder) OnMessage(ctx context.Context, m *messenger.Inbound) error {
	if s.sink == nil {
		return nil
	}
	return s.sink.OnMessage(ctx, m)
}
