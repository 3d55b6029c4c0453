// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package batch agrupa submissions de step numa janela curta e as despacha
// em paralelo, uma goroutine por submission. O objetivo é dar vazão a clientes
// que pilotam dezenas de sessões em lockstep (um agente por sessão, todos
// pedindo step ao mesmo tempo) sem abrir mão da serialização por sessão, que
// continua no lock da própria sessão.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/tw-gate/internal/protocol"
	"github.com/nishisan-dev/tw-gate/internal/server/observability"
	"github.com/nishisan-dev/tw-gate/internal/session"
)

// ErrStopped é retornado por Submit depois do shutdown do coordinator.
var ErrStopped = errors.New("batch: coordinator stopped")

// Coordinator acumula submissions e fecha a janela com um timer: a primeira
// submission arma o timer, as seguintes só entram na fila. No disparo, o lote
// inteiro vai para os workers de uma vez.
type Coordinator struct {
	window  time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	// baseCtx governa os exchanges despachados. Steps nunca herdam o
	// contexto do request: um caller que desiste no meio não pode matar o
	// round-trip e dessincronizar o protocolo do worker.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending []*submission
	timer   *time.Timer
	closed  bool

	wg sync.WaitGroup // dispatches em voo

	batchesTotal    atomic.Int64
	stepsTotal      atomic.Int64
	stepErrorsTotal atomic.Int64
}

type submission struct {
	sess   *session.Session
	action string
	result chan stepResult
}

type stepResult struct {
	resp *protocol.Response
	err  error
}

// Stats são os contadores acumulados do coordinator. Steps conta apenas
// sucessos; tentativas = Steps + StepErrors.
type Stats struct {
	Batches    int64
	Steps      int64
	StepErrors int64
}

// NewCoordinator cria o coordinator com a janela de batching dada.
func NewCoordinator(window time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		window:  window,
		logger:  logger.With("component", "batcher"),
		metrics: metrics,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Submit enfileira um step e bloqueia até o resultado ou o cancelamento do
// contexto do caller. No cancelamento o step não é abortado: ele completa no
// worker (mantendo o protocolo síncrono) e o resultado é descartado.
func (c *Coordinator) Submit(ctx context.Context, sess *session.Session, action string) (*protocol.Response, error) {
	sub := &submission{
		sess:   sess,
		action: action,
		result: make(chan stepResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.pending = append(c.pending, sub)
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flush)
	}
	c.mu.Unlock()

	select {
	case res := <-sub.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancela a janela corrente, falha o que ainda não foi despachado e
// espera os dispatches em voo terminarem.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	for _, sub := range batch {
		sub.result <- stepResult{err: ErrStopped}
	}
	c.wg.Wait()
	c.logger.Info("batch coordinator stopped")
}

// Stats retorna os contadores acumulados.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Batches:    c.batchesTotal.Load(),
		Steps:      c.stepsTotal.Load(),
		StepErrors: c.stepErrorsTotal.Load(),
	}
}

// flush fecha a janela: tira o lote da fila e despacha tudo em paralelo.
// O canal de resultado tem buffer 1, então um caller que abandonou nunca
// bloqueia o dispatch.
func (c *Coordinator) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	c.batchesTotal.Add(1)
	c.metrics.ObserveBatchSize(len(batch))
	c.logger.Debug("dispatching step batch", "size", len(batch))

	for _, sub := range batch {
		c.wg.Add(1)
		go func(sub *submission) {
			defer c.wg.Done()
			start := time.Now()
			resp, err := sub.sess.Step(c.baseCtx, sub.action)
			if err != nil {
				c.stepErrorsTotal.Add(1)
			} else {
				c.stepsTotal.Add(1)
			}
			c.metrics.ObserveStep(time.Since(start), err == nil)
			sub.result <- stepResult{resp: resp, err: err}
		}(sub)
	}
}
