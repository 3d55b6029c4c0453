// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/tw-gate/internal/container"
)

const (
	// orphanGrace protege containers recém-criados: entre o start e a
	// inserção no mapa existe uma janela curta em que o container ainda não
	// tem sessão registrada.
	orphanGrace = 2 * time.Minute

	// staleSpoolAge é a idade mínima para um spool fechado ser considerado
	// sobra de um processo anterior e arquivado.
	staleSpoolAge = time.Hour
)

// Sweeper reconcilia o daemon de containers com o registry em cron: remove
// containers com a label do gateway cuja sessão não existe mais (sobras de
// crash ou de teardown que falhou) e arquiva spools de transcript órfãos.
// Só toca em containers com a label de gerenciamento; o resto do host é
// invisível para ele.
type Sweeper struct {
	registry *Registry
	logger   *slog.Logger
	cron     *cron.Cron
	mu       sync.Mutex // garante apenas uma varredura por vez
	running  bool
}

// NewSweeper cria o sweeper com a cron expression fornecida.
func NewSweeper(registry *Registry, schedule string, logger *slog.Logger) (*Sweeper, error) {
	sw := &Sweeper{
		registry: registry,
		logger:   logger.With("component", "sweeper"),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(sw.logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, sw.execute); err != nil {
		return nil, err
	}

	sw.cron = c
	return sw, nil
}

// Start inicia o scheduler.
func (sw *Sweeper) Start() {
	sw.logger.Info("sweeper started")
	sw.cron.Start()
}

// Stop para o scheduler e aguarda varreduras em andamento.
func (sw *Sweeper) Stop(ctx context.Context) {
	sw.logger.Info("sweeper stopping")
	stopCtx := sw.cron.Stop()

	select {
	case <-stopCtx.Done():
		sw.logger.Info("sweeper stopped gracefully")
	case <-ctx.Done():
		sw.logger.Warn("sweeper stop timed out")
	}
}

// RunNow dispara uma varredura imediata, fora do cron. Usado no boot para
// recolher o que um processo anterior deixou para trás.
func (sw *Sweeper) RunNow() {
	sw.execute()
}

func (sw *Sweeper) execute() {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		sw.logger.Warn("sweep already running, skipping scheduled execution")
		return
	}
	sw.running = true
	sw.mu.Unlock()

	defer func() {
		sw.mu.Lock()
		sw.running = false
		sw.mu.Unlock()
	}()

	sw.sweep(context.Background())
}

// sweep faz uma reconciliação completa: containers órfãos e spools órfãos.
func (sw *Sweeper) sweep(ctx context.Context) {
	containers, err := sw.registry.runtime.ListManaged(ctx)
	if err != nil {
		sw.logger.Warn("orphan sweep: list failed", "error", err)
	} else {
		sw.removeOrphans(ctx, containers)
	}

	if n := sw.registry.sinks.Recorder.FlushStale(staleSpoolAge); n > 0 {
		sw.logger.Info("stale transcript spools archived", "count", n)
	}
}

func (sw *Sweeper) removeOrphans(ctx context.Context, containers []container.Managed) {
	now := time.Now()
	removed := 0
	for _, c := range containers {
		if c.SessionID != "" && sw.registry.Has(c.SessionID) {
			continue
		}
		if now.Sub(c.CreatedAt) < orphanGrace {
			continue
		}
		if err := sw.registry.runtime.Remove(ctx, container.Handle{ID: c.ID}); err != nil {
			sw.logger.Warn("orphan remove failed", "container", c.ID, "error", err)
			continue
		}
		removed++
		sw.logger.Info("orphan container removed", "container", c.ID, "session", c.SessionID, "state", c.State)
		sw.registry.sinks.Events.PushEvent("warn", "orphan_removed", c.SessionID, "",
			fmt.Sprintf("removed orphan container %s (state %s)", c.ID, c.State))
	}
	if removed > 0 {
		sw.logger.Info("orphan sweep finished", "removed", removed, "listed", len(containers))
	}
}
