// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper remove sessões ociosas. A cada intervalo varre os snapshots do
// registry e deleta as sessões paradas há mais que o idle timeout, liberando
// a permit e o container de cada uma. Sessões done contam como ociosas igual:
// o cliente que não deleta depois do fim do jogo é exatamente o caso que o
// reaper existe para cobrir.
type Reaper struct {
	registry    *Registry
	interval    time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewReaper cria o reaper sobre um registry.
func NewReaper(registry *Registry, interval, idleTimeout time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		registry:    registry,
		interval:    interval,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "reaper"),
		done:        make(chan struct{}),
	}
}

// Start inicia a goroutine de varredura periódica.
func (rp *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	rp.cancel = cancel

	go func() {
		defer close(rp.done)
		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rp.reap(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	rp.logger.Info("reaper started", "interval", rp.interval, "idle_timeout", rp.idleTimeout)
}

// Stop para o reaper e aguarda a goroutine terminar.
func (rp *Reaper) Stop() {
	if rp.cancel != nil {
		rp.cancel()
	}
	<-rp.done
	rp.logger.Info("reaper stopped")
}

// reap faz uma varredura: deleta toda sessão ociosa há mais que o timeout.
// Comparação estrita; uma sessão exatamente no limite sobrevive à varredura.
func (rp *Reaper) reap(ctx context.Context) {
	now := time.Now()
	for _, snap := range rp.registry.Snapshots() {
		idle := now.Sub(snap.LastActiveAt)
		if idle <= rp.idleTimeout {
			continue
		}
		if _, err := rp.registry.Delete(ctx, snap.ID, ReasonIdleTimeout); err != nil {
			// Corrida benigna: o cliente pode ter deletado entre o snapshot
			// e o delete.
			rp.logger.Warn("reap failed", "session", snap.ID, "error", err)
			continue
		}
		rp.logger.Info("idle session reaped", "session", snap.ID,
			"idle_seconds", int64(idle.Seconds()), "status", snap.Status)
	}
}
