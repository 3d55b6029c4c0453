// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"log/slog"
	"time"
)

const statsInterval = 5 * time.Minute

// StatsReporter emite um resumo periódico do gateway no log: ocupação do
// registry, taxas do intervalo, snapshot do host e as sessões ativas.
type StatsReporter struct {
	source    StatsSource
	monitor   *SystemMonitor
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// last guarda o snapshot anterior para calcular as taxas do intervalo.
	last GatewayStats
}

// NewStatsReporter cria um StatsReporter que loga métricas a cada 5 minutos.
func NewStatsReporter(source StatsSource, monitor *SystemMonitor, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		source:    source,
		monitor:   monitor,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", statsInterval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	stats := sr.source.GatewayStats()
	host := sr.monitor.Stats()

	stepsInterval := stats.Steps - sr.last.Steps
	createdInterval := stats.Created - sr.last.Created
	sr.last = stats

	sr.logger.Info("gateway stats",
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"sessions_active", stats.ActiveSessions,
		"sessions_max", stats.MaxSessions,
		"created_total", stats.Created,
		"deleted_total", stats.Deleted,
		"rejected_total", stats.Rejected,
		"failed_total", stats.Failed,
		"steps_total", stats.Steps,
		"step_errors_total", stats.StepErrors,
		"batches_total", stats.Batches,
		"steps_interval", stepsInterval,
		"created_interval", createdInterval,
		"cpu_percent", host.CPUPercent,
		"memory_percent", host.MemoryPercent,
		"load1", host.LoadAverage,
		"sessions", stats.Active,
	)
}
