// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nishisan-dev/tw-gate/internal/archive"
	"github.com/nishisan-dev/tw-gate/internal/batch"
	"github.com/nishisan-dev/tw-gate/internal/config"
	"github.com/nishisan-dev/tw-gate/internal/container"
	"github.com/nishisan-dev/tw-gate/internal/games"
	"github.com/nishisan-dev/tw-gate/internal/logging"
	"github.com/nishisan-dev/tw-gate/internal/server"
	"github.com/nishisan-dev/tw-gate/internal/server/observability"
	"github.com/nishisan-dev/tw-gate/internal/session"
)

// eventRingCap limita os eventos mantidos em memória para GET /api/v1/events;
// o arquivo JSONL guarda mais (observability.events_max_lines).
const eventRingCap = 1000

func main() {
	configPath := flag.String("config", "", "path to server config file (optional, defaults apply without it)")
	listen := flag.String("listen", "", "listen address override (host:port)")
	image := flag.String("image", "", "worker container image override")
	dataVolume := flag.String("data-volume", "", "data volume bind override (host:container[:mode])")
	gamesConfig := flag.String("games-config", "", "games discovery config override")
	maxSessions := flag.Int("max-sessions", 0, "maximum concurrent sessions override")
	batchWindowMS := flag.Int("batch-window-ms", 0, "step batch window override, in milliseconds")
	idleTimeout := flag.Duration("idle-timeout", 0, "idle session timeout override")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flags têm precedência sobre o YAML.
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *image != "" {
		cfg.Runtime.Image = *image
	}
	if *dataVolume != "" {
		cfg.Runtime.DataVolume = *dataVolume
	}
	if *gamesConfig != "" {
		cfg.Games.Config = *gamesConfig
	}
	if *maxSessions > 0 {
		cfg.Sessions.MaxSessions = *maxSessions
	}
	if *batchWindowMS > 0 {
		cfg.Sessions.BatchWindow = time.Duration(*batchWindowMS) * time.Millisecond
	}
	if *idleTimeout > 0 {
		cfg.Sessions.IdleTimeout = *idleTimeout
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error validating config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.ServerConfig, error) {
	if path == "" {
		return config.DefaultServerConfig(), nil
	}
	return config.LoadServerConfig(path)
}

// run monta o gateway inteiro e bloqueia em server.Run até o context ser
// cancelado. O desligamento corre nos defers, em ordem inversa: primeiro os
// loops de fundo, depois as sessões vivas, por último a conexão com o daemon.
func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	pool, err := games.Discover(ctx, cfg.Games.Config, logger)
	if err != nil {
		return fmt.Errorf("discovering games: %w", err)
	}
	if len(pool) == 0 {
		logger.Warn("no games discovered, sessions must pass an explicit game_file")
	}
	selector := games.NewSelector(pool)

	runtime, err := container.NewDockerRuntime(logger)
	if err != nil {
		return fmt.Errorf("connecting to container daemon: %w", err)
	}
	defer runtime.Close()

	var recorder *archive.Recorder
	if cfg.Archive.Enabled {
		recorder, err = archive.NewRecorder(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("initializing transcript archive: %w", err)
		}
		defer recorder.Close()
	}

	var (
		metrics *observability.Metrics
		events  *observability.EventStore
		history *observability.SessionHistoryStore
		monitor *observability.SystemMonitor
		obs     server.Observability
	)
	if cfg.Observability.Enabled {
		events, err = observability.NewEventStore(cfg.Observability.EventsFile, eventRingCap, cfg.Observability.EventsMaxLines)
		if err != nil {
			return fmt.Errorf("opening events store: %w", err)
		}
		defer events.Close()

		historyPath := filepath.Join(filepath.Dir(cfg.Observability.EventsFile), "session-history.jsonl")
		history, err = observability.NewSessionHistoryStore(historyPath, cfg.Observability.HistorySize, cfg.Observability.EventsMaxLines)
		if err != nil {
			return fmt.Errorf("opening session history store: %w", err)
		}
		defer history.Close()

		monitor = observability.NewSystemMonitor(logger)
		monitor.Start()
		defer monitor.Stop()

		metrics = observability.NewMetrics()
		metrics.RegisterHost(monitor)
		metrics.SetGamesDiscovered(selector.Size())

		obs = server.Observability{
			Monitor: monitor,
			Events:  events,
			History: history,
			Metrics: metrics,
			ACL:     observability.NewACL(cfg.Observability.ParsedCIDRs),
		}
	}

	registry := session.NewRegistry(cfg, runtime, selector, session.Sinks{
		Metrics:  metrics,
		Events:   events,
		History:  history,
		Recorder: recorder,
	}, logger)

	// Sessões vivas caem depois que o HTTP drenou e os loops de fundo pararam,
	// antes de qualquer sink fechar.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		deleted := registry.DeleteAll(shutdownCtx, session.ReasonShutdown)
		if len(deleted) > 0 {
			logger.Info("sessions terminated on shutdown", "count", len(deleted))
		}
	}()

	batcher := batch.NewCoordinator(cfg.Sessions.BatchWindow, metrics, logger)
	defer batcher.Stop()

	reaper := session.NewReaper(registry, cfg.Sessions.ReapInterval, cfg.Sessions.IdleTimeout, logger)
	reaper.Start()
	defer reaper.Stop()

	sweeper, err := session.NewSweeper(registry, cfg.Runtime.SweepSchedule, logger)
	if err != nil {
		return fmt.Errorf("initializing orphan sweeper: %w", err)
	}
	// Reconciliação imediata no boot recolhe containers de um processo anterior.
	sweeper.RunNow()
	sweeper.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sweeper.Stop(stopCtx)
	}()

	handler := server.NewHandler(cfg, registry, batcher, selector, obs, logger)

	if cfg.Observability.Enabled {
		reporter := observability.NewStatsReporter(handler, monitor, logger)
		reporter.Start()
		defer reporter.Stop()
	}

	logger.Info("gateway starting",
		"listen", cfg.Server.Listen,
		"image", cfg.Runtime.Image,
		"max_sessions", cfg.Sessions.MaxSessions,
		"batch_window", cfg.Sessions.BatchWindow,
		"games", selector.Size(),
		"observability", cfg.Observability.Enabled,
		"archive", cfg.Archive.Enabled,
	)

	return server.Run(ctx, cfg, handler, logger)
}
