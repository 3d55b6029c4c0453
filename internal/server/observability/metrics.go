// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics agrupa os instrumentos Prometheus do gateway, sobre um registry
// próprio (não o global, para que testes possam criar várias instâncias).
//
// Um *Metrics nil é válido e descarta todas as observações, então registry
// e batcher instrumentam incondicionalmente.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsCreated  prometheus.Counter
	sessionsRejected prometheus.Counter
	sessionsFailed   *prometheus.CounterVec
	sessionsDeleted  *prometheus.CounterVec
	stepsTotal       prometheus.Counter
	stepErrors       prometheus.Counter
	stepDuration     prometheus.Histogram
	batchSize        prometheus.Histogram
	gamesDiscovered  prometheus.Gauge
}

// NewMetrics cria o registry com os instrumentos do gateway mais os
// collectors padrão de processo e runtime Go.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "twgate_sessions_active",
			Help: "Sessões ativas no registry.",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "twgate_sessions_created_total",
			Help: "Sessões criadas com sucesso (init ok).",
		}),
		sessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "twgate_sessions_rejected_total",
			Help: "Criações rejeitadas por falta de slots.",
		}),
		sessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twgate_sessions_failed_total",
			Help: "Criações que falharam, por estágio (start, attach, init).",
		}, []string{"stage"}),
		sessionsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "twgate_sessions_deleted_total",
			Help: "Sessões removidas, por motivo.",
		}, []string{"reason"}),
		stepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "twgate_steps_total",
			Help: "Steps completados com resposta ok do worker.",
		}),
		stepErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "twgate_step_errors_total",
			Help: "Steps que terminaram em container-error.",
		}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "twgate_step_duration_seconds",
			Help: "Duração do exchange de um step, do write ao read.",
			// 50ms até ~100s; o deadline de exchange é 60s.
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "twgate_batch_size",
			Help:    "Submissions despachadas por janela de batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		gamesDiscovered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "twgate_games_discovered",
			Help: "Jogos no pool descoberto.",
		}),
	}
}

// Handler expõe o registry no formato de exposição Prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterHost adiciona gauges que leem o snapshot do SystemMonitor na hora
// do scrape.
func (m *Metrics) RegisterHost(mon *SystemMonitor) {
	if m == nil || mon == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "twgate_host_cpu_percent",
			Help: "Uso de CPU do host.",
		}, func() float64 { return mon.Stats().CPUPercent }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "twgate_host_memory_percent",
			Help: "Uso de memória do host.",
		}, func() float64 { return mon.Stats().MemoryPercent }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "twgate_host_load1",
			Help: "Load average (1m) do host.",
		}, func() float64 { return mon.Stats().LoadAverage }),
	)
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.sessionsRejected.Inc()
}

func (m *Metrics) SessionFailed(stage string) {
	if m == nil {
		return
	}
	m.sessionsFailed.WithLabelValues(stage).Inc()
}

func (m *Metrics) SessionDeleted(reason string) {
	if m == nil {
		return
	}
	m.sessionsDeleted.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// ObserveStep registra a duração de um exchange de step e seu desfecho.
func (m *Metrics) ObserveStep(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.stepDuration.Observe(d.Seconds())
	if ok {
		m.stepsTotal.Inc()
	} else {
		m.stepErrors.Inc()
	}
}

func (m *Metrics) ObserveBatchSize(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

func (m *Metrics) SetGamesDiscovered(n int) {
	if m == nil {
		return
	}
	m.gamesDiscovered.Set(float64(n))
}
